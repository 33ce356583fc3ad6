// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package collector

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// frame is the message type of the collector service: one packet frame on
// the request side, the little-endian count of received packets on the
// response side.
type frame struct {
	data []byte
}

// rawCodec passes frames through unchanged. Packet frames are already a
// self-describing wire format. Clients select it with the codecName content
// subtype; other services on the server use the proto codec.
type rawCodec struct{}

const codecName = "calltrace-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package encoder renders packets for humans and scripts.
package encoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cilium/calltrace/pkg/decode"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/schema"
)

const rfc3339Nano = "2006-01-02T15:04:05.000000000Z07:00"

var ErrUndecodable = errors.New("packet does not decode")

// PacketEncoder writes packets to an output.
type PacketEncoder interface {
	Encode(p *packet.Packet) error
}

// ColorMode defines color mode flags for compact output.
type ColorMode string

const (
	Always ColorMode = "always" // always enable colored output.
	Never  ColorMode = "never"  // disable colored output.
	Auto   ColorMode = "auto"   // automatically enable / disable colored output based on terminal settings.
)

// CompactEncoder writes one line per packet.
type CompactEncoder struct {
	Writer     io.Writer
	Colorer    *Colorer
	Timestamps bool
	sch        *schema.Schema
	success    func(uint64) bool
}

// NewCompactEncoder initializes and returns a pointer to CompactEncoder.
func NewCompactEncoder(w io.Writer, sch *schema.Schema, colorMode ColorMode, timestamps bool) *CompactEncoder {
	return &CompactEncoder{
		Writer:     w,
		Colorer:    NewColorer(colorMode),
		Timestamps: timestamps,
		sch:        sch,
		success:    func(v uint64) bool { return v == 0 },
	}
}

// Encode implements PacketEncoder. Packets that do not decode are still
// written, with their header only, and reported as ErrUndecodable.
func (p *CompactEncoder) Encode(pkt *packet.Packet) error {
	logger.GetLogger().Debug("Processing packet", logfields.PacketID, pkt.ID)
	str, err := p.PacketToString(pkt)
	if p.Timestamps {
		ts := pkt.Time().UTC().Format(rfc3339Nano)
		str = fmt.Sprintf("%s %s", ts, str)
	}
	fmt.Fprintln(p.Writer, str)
	return err
}

// PacketToString renders pkt without a timestamp.
func (p *CompactEncoder) PacketToString(pkt *packet.Packet) (string, error) {
	c := p.Colorer
	head := fmt.Sprintf("#%d %s", pkt.ID, c.Blue.Sprintf("t%d", pkt.Thread))
	call, err := decode.Walk(p.sch, pkt)
	if err != nil {
		return fmt.Sprintf("%s kind=%d %s", head, pkt.Kind, c.Red.Sprint(err)), fmt.Errorf("#%d: %w: %w", pkt.ID, ErrUndecodable, err)
	}
	str := fmt.Sprintf("%s %s = %s", head, c.Magenta.Sprint(call.String()), c.Result(pkt.Result, p.success(pkt.Result)))
	if pkt.Flags&packet.FlagSuspect != 0 {
		str += " " + c.Yellow.Sprint("suspect")
	}
	return str, nil
}

// JSONEncoder writes one JSON object per packet.
type JSONEncoder struct {
	enc *json.Encoder
	sch *schema.Schema
}

type jsonPacket struct {
	ID      uint64            `json:"id"`
	Session string            `json:"session"`
	Time    string            `json:"time"`
	Thread  uint64            `json:"thread"`
	Kind    uint32            `json:"kind"`
	Call    string            `json:"call,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
	Result  uint64            `json:"result"`
	Flags   string            `json:"flags"`
	Mapped  int               `json:"mapped_bytes,omitempty"`
	Size    uint64            `json:"size"`
	Error   string            `json:"error,omitempty"`
}

func NewJSONEncoder(w io.Writer, sch *schema.Schema) *JSONEncoder {
	return &JSONEncoder{enc: json.NewEncoder(w), sch: sch}
}

// Encode implements PacketEncoder.
func (e *JSONEncoder) Encode(pkt *packet.Packet) error {
	out := jsonPacket{
		ID:      pkt.ID,
		Session: pkt.Session.String(),
		Time:    pkt.Time().UTC().Format(rfc3339Nano),
		Thread:  pkt.Thread,
		Kind:    pkt.Kind,
		Result:  pkt.Result,
		Flags:   pkt.Flags.String(),
		Size:    pkt.Size(),
	}
	call, werr := decode.Walk(e.sch, pkt)
	if werr != nil {
		out.Error = werr.Error()
		werr = fmt.Errorf("#%d: %w: %w", pkt.ID, ErrUndecodable, werr)
	} else {
		out.Call = call.Name
		out.Args = make(map[string]string, len(call.Args))
		for _, a := range call.Args {
			out.Args[a.Name] = a.Value.String()
		}
		out.Mapped = len(call.Shadow)
	}
	if err := e.enc.Encode(&out); err != nil {
		return err
	}
	return werr
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package recording records packet streams and plays recorded streams back
// to listeners.
package recording

import (
	"context"

	"github.com/cilium/calltrace/pkg/packet"
)

// Listener receives packets. A replay.Replayer is a Listener.
type Listener interface {
	Notify(ctx context.Context, p *packet.Packet) error
	Close() error
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package recording

import (
	"context"
	"io"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/multierr"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/packet"
)

// Writer is a Listener writing every packet it receives to a sink, then
// passing it on to an optional delegate. A Writer is also a packet.Sink, so
// that a capture session can record and replay at once.
type Writer struct {
	sink            packet.Sink
	log             logger.FieldLogger
	verifyRoundtrip bool
	delegate        Listener
	mismatches      uint64
}

// Option configures Writer.
type Option func(*Writer)

// NewWriter returns a Writer on sink. sink may be nil to only delegate.
func NewWriter(sink packet.Sink, log logger.FieldLogger, opts ...Option) *Writer {
	w := &Writer{
		sink: sink,
		log:  log,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Notify implements Listener.
func (w *Writer) Notify(ctx context.Context, p *packet.Packet) error {
	if w.verifyRoundtrip {
		w.verifyRoundtripEquality(p)
	}

	if w.sink != nil {
		if err := w.sink.WritePacket(p); err != nil {
			w.log.Warn("Failed to record packet", logfields.PacketID, p.ID, logfields.Error, err)
			return err
		}
	}

	if w.delegate != nil {
		return w.delegate.Notify(ctx, p)
	}
	return nil
}

// WritePacket implements packet.Sink.
func (w *Writer) WritePacket(p *packet.Packet) error {
	return w.Notify(context.Background(), p)
}

// Close implements Listener. It closes the sink and the delegate.
func (w *Writer) Close() error {
	var err error
	if c, ok := w.sink.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	if w.delegate != nil {
		err = multierr.Append(err, w.delegate.Close())
	}
	return err
}

// Mismatches returns the number of packets that failed roundtrip
// verification.
func (w *Writer) Mismatches() uint64 { return w.mismatches }

// WithVerifyRoundtrip enables roundtrip verification.
func WithVerifyRoundtrip(enabled bool) Option {
	return func(w *Writer) {
		w.verifyRoundtrip = enabled
	}
}

// WithDelegate sets the delegate listener that receives packets after
// recording.
func WithDelegate(delegate Listener) Option {
	return func(w *Writer) {
		w.delegate = delegate
	}
}

// verifyRoundtripEquality encodes and decodes p and compares the result
// with p.
func (w *Writer) verifyRoundtripEquality(p *packet.Packet) {
	data, err := p.MarshalBinary()
	if err != nil {
		w.mismatches++
		w.log.Warn("Roundtrip verification: marshal failed",
			logfields.PacketID, p.ID,
			logfields.Error, err)
		return
	}
	var reconstructed packet.Packet
	if err := reconstructed.UnmarshalBinary(data); err != nil {
		w.mismatches++
		w.log.Warn("Roundtrip verification: unmarshal failed",
			logfields.PacketID, p.ID,
			logfields.Error, err)
		return
	}
	if diff := cmp.Diff(p, &reconstructed, cmpopts.EquateEmpty()); diff != "" {
		w.mismatches++
		w.log.Warn("Roundtrip verification: mismatch detected",
			logfields.PacketID, p.ID,
			"diff", diff)
	}
}

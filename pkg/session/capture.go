// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/calltrace/pkg/encode"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/metrics/tracemetrics"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/schema"
	"github.com/cilium/calltrace/pkg/sizer"
)

// Builder is a call in flight: sized and numbered before the real call runs,
// encoded once it returned.
type Builder struct {
	Call *schema.Call
	Args []uint64
	// Estimate is the dynamic size computed before the call.
	Estimate uint64

	id     uint64
	thread uint64
	shadow []byte
	mapped bool
}

// ID returns the packet id assigned to the call.
func (b *Builder) ID() uint64 { return b.id }

// BeginCall prepares the packet of a call about to run. It fails with
// ErrAllocation when the packet cannot be sized or is too large; the caller
// must then not perform the call. For calls unmapping memory the mapped
// content is captured here, while it is still mapped.
func (s *Session) BeginCall(ctx context.Context, kind uint32, args []uint64) (*Builder, error) {
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	call, err := s.sch.Call(kind)
	if err != nil {
		tracemetrics.DropInc(tracemetrics.DropUnknownKind)
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	est, err := sizer.Estimate(s.sch, call, args, s.mem)
	if err != nil {
		s.drop(err)
		return nil, fmt.Errorf("%w: %v: %w", ErrAllocation, call, err)
	}
	if err := s.checkSize(call, est); err != nil {
		tracemetrics.DropInc(tracemetrics.DropTooLarge)
		return nil, err
	}

	b := &Builder{
		Call:     call,
		Args:     append([]uint64(nil), args...),
		Estimate: est,
		id:       s.seq.Inc(),
		thread:   threadOf(ctx),
	}
	if call.HasShadow() {
		handle := args[call.Memory.Handle]
		data, err := s.shadow.Capture(handle)
		if err != nil {
			s.log.Warn("Cannot capture mapped memory",
				logfields.Call, call.Name,
				logfields.Handle, handle,
				logfields.Error, err)
		} else {
			b.shadow, b.mapped = data, true
			tracemetrics.ShadowAdd(tracemetrics.ShadowCapture, len(data))
		}
	}
	return b, nil
}

// FinishCall encodes the packet of a call that returned result and writes
// it to the sink. Content is taken as it is after the call: the dynamic
// region is sized again, and a call that produced more data than estimated
// before it ran is flagged suspect. A packet outgrowing the size limit is
// dropped with ErrAllocation.
func (s *Session) FinishCall(ctx context.Context, b *Builder, result uint64) (*packet.Packet, error) {
	call := b.Call
	log := s.log.With(logfields.PacketID, b.id, logfields.Call, call.Name)

	var flags packet.Flags
	post, err := sizer.Estimate(s.sch, call, b.Args, s.mem)
	if err != nil {
		s.drop(err)
		log.Warn("Dropping packet", logfields.Error, err)
		return nil, fmt.Errorf("%v: %w", call, err)
	}
	if err := s.checkSize(call, post+uint64(len(b.shadow))); err != nil {
		s.dropped.Inc()
		tracemetrics.DropInc(tracemetrics.DropTooLarge)
		log.Warn("Dropping packet", logfields.Error, err)
		return nil, err
	}
	if post > b.Estimate {
		log.Warn("Call produced more data than estimated",
			logfields.Estimated, b.Estimate,
			logfields.Observed, post)
		flags |= packet.FlagSuspect
		tracemetrics.SizeMismatches.WithLabelValues(call.Name).Inc()
	}

	arena := packet.NewArena(call.BodySize, post+uint64(len(b.shadow)))
	enc := encode.New(s.sch, s.mem, arena)
	if err := enc.Args(call, b.Args); err != nil {
		s.drop(err)
		log.Warn("Dropping packet", logfields.Error, err)
		return nil, err
	}
	if embedded := arena.Embedded(); embedded != post {
		log.Error("Embedded size differs from estimate",
			logfields.Estimated, post,
			logfields.Embedded, embedded)
		flags |= packet.FlagSuspect
	}
	if call.HasShadow() {
		if err := enc.Shadow(call, b.shadow); err != nil {
			s.drop(err)
			log.Warn("Dropping packet", logfields.Error, err)
			return nil, err
		}
		if b.mapped {
			flags |= packet.FlagShadow
		}
	}

	if s.success(result) {
		if err := s.shadow.Follow(call, b.Args); err != nil {
			log.Warn("Cannot track mapped memory", logfields.Error, err)
		}
	}

	p := arena.Packet()
	p.ID = b.id
	p.Kind = call.Kind
	p.Flags = flags
	p.Session = s.id
	p.Timestamp = s.now().UnixNano()
	p.Thread = b.thread
	p.Result = result
	if err := s.emit(p); err != nil {
		s.dropped.Inc()
		tracemetrics.DropInc(tracemetrics.DropSink)
		log.Warn("Failed to write packet", logfields.Error, err)
		return nil, err
	}

	s.captured.Inc()
	s.bytes.Add(p.Size())
	if flags&packet.FlagSuspect != 0 {
		s.suspect.Inc()
	}
	tracemetrics.PacketsCaptured.WithLabelValues(call.Name).Inc()
	tracemetrics.DynamicBytes.Add(float64(len(p.Dynamic)))
	return p, nil
}

// checkSize fails with ErrAllocation when a packet of call with dynamic
// embedded bytes exceeds the session limit or the frame limit.
func (s *Session) checkSize(call *schema.Call, dynamic uint64) error {
	limit := min(s.maxSize, packet.MaxFrameSize)
	if size := packet.HeaderSize + call.BodySize + dynamic; size > limit || dynamic > limit {
		return fmt.Errorf("%w: %v needs %d bytes, limit is %d", ErrAllocation, call, size, limit)
	}
	return nil
}

// Call captures one call: real performs it and returns its result. real is
// not invoked when no packet can be allocated for the call. The result of a
// call that ran is always returned, together with any error capturing it.
func (s *Session) Call(ctx context.Context, kind uint32, args []uint64, real func() (uint64, error)) (uint64, error) {
	b, err := s.BeginCall(ctx, kind, args)
	if err != nil {
		return 0, err
	}
	result, err := real()
	if err != nil {
		return result, err
	}
	if _, err := s.FinishCall(ctx, b, result); err != nil {
		return result, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return result, nil
}

func (s *Session) drop(err error) {
	s.dropped.Inc()
	if errors.Is(err, schema.ErrUnknownDiscriminant) {
		tracemetrics.DropInc(tracemetrics.DropUnknownDiscriminant)
		return
	}
	tracemetrics.DropInc(tracemetrics.DropEncode)
}

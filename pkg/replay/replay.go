// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package replay re-executes captured calls against a driver. Packets are
// replayed one at a time, in capture order: each packet image is relocated
// into replay memory, its handles translated to the handles the driver
// handed out, and the call invoked with the relocated arguments.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/atomic"

	"github.com/cilium/calltrace/pkg/decode"
	"github.com/cilium/calltrace/pkg/handles"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/metrics/tracemetrics"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/ratelimit"
	"github.com/cilium/calltrace/pkg/schema"
	"github.com/cilium/calltrace/pkg/shadow"
)

// ErrDriver wraps errors returned by the driver.
var ErrDriver = errors.New("driver failed")

// Driver executes calls. Pointer arguments address the heap the Replayer was
// created with.
type Driver interface {
	Invoke(ctx context.Context, call *schema.Call, args []uint64) (uint64, error)
}

// Stats are the counters of a replay.
type Stats struct {
	Packets          uint64
	Replayed         uint64
	Dropped          uint64
	HandleMisses     uint64
	ResultMismatches uint64
}

// Replayer replays packets. It is not safe for concurrent use.
type Replayer struct {
	sch     *schema.Schema
	heap    *memory.Heap
	driver  Driver
	handles *handles.Map
	shadow  *shadow.Tracker
	log     logger.FieldLogger
	limiter *ratelimit.RateLimiter
	success func(uint64) bool
	strict  bool

	packets    atomic.Uint64
	replayed   atomic.Uint64
	dropped    atomic.Uint64
	mismatches atomic.Uint64
}

type Option func(*Replayer)

// WithLogger sets the replay logger.
func WithLogger(log logger.FieldLogger) Option {
	return func(r *Replayer) { r.log = log }
}

// WithRateLimiter throttles per-call warnings.
func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(r *Replayer) { r.limiter = l }
}

// WithSuccess sets the predicate telling successful call results apart. The
// default treats zero as success.
func WithSuccess(f func(result uint64) bool) Option {
	return func(r *Replayer) { r.success = f }
}

// WithStrict makes Run stop at the first packet that cannot be replayed.
func WithStrict(strict bool) Option {
	return func(r *Replayer) { r.strict = strict }
}

// New returns a Replayer invoking driver on arguments laid out in heap.
func New(sch *schema.Schema, heap *memory.Heap, driver Driver, opts ...Option) *Replayer {
	r := &Replayer{
		sch:     sch,
		heap:    heap,
		driver:  driver,
		shadow:  shadow.New(heap),
		log:     logger.GetLogger(),
		success: func(v uint64) bool { return v == 0 },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handles = handles.New(sch.Handles(),
		handles.WithLogger(r.log),
		handles.WithRateLimiter(r.limiter))
	return r
}

// Handles returns the handle map built by the replay.
func (r *Replayer) Handles() *handles.Map { return r.handles }

// Shadow returns the mapped memory tracker of the replay.
func (r *Replayer) Shadow() *shadow.Tracker { return r.shadow }

// Stats returns a snapshot of the replay counters.
func (r *Replayer) Stats() Stats {
	return Stats{
		Packets:          r.packets.Load(),
		Replayed:         r.replayed.Load(),
		Dropped:          r.dropped.Load(),
		HandleMisses:     r.handles.Misses(),
		ResultMismatches: r.mismatches.Load(),
	}
}

// Run replays every packet of src until it is exhausted or ctx is done.
// Packets that cannot be replayed are logged and skipped, unless the
// Replayer is strict.
func (r *Replayer) Run(ctx context.Context, src packet.Source) error {
	r.log.Info("Starting replay")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		if err := r.Notify(ctx, p); err != nil && r.strict {
			return err
		}
	}
	st := r.Stats()
	r.log.Info("Finished replay",
		"packets", st.Packets,
		"replayed", st.Replayed,
		"dropped", st.Dropped,
		"handle_misses", st.HandleMisses)
	return nil
}

// Notify replays one packet. A failure only affects that packet.
func (r *Replayer) Notify(ctx context.Context, p *packet.Packet) error {
	r.packets.Inc()
	reason, err := r.replay(ctx, p)
	if err != nil {
		r.dropped.Inc()
		tracemetrics.DropInc(reason)
		r.log.Warn("Failed to replay packet",
			logfields.PacketID, p.ID,
			logfields.Kind, p.Kind,
			logfields.Error, err)
		return err
	}
	r.replayed.Inc()
	return nil
}

// Close implements the recording listener interface.
func (r *Replayer) Close() error { return nil }

type created struct {
	site    decode.Site
	capture uint64
}

func (r *Replayer) replay(ctx context.Context, p *packet.Packet) (tracemetrics.DropReason, error) {
	call, err := r.sch.Call(p.Kind)
	if err != nil {
		return tracemetrics.DropUnknownKind, err
	}
	if uint64(len(p.Body)) != call.BodySize {
		return tracemetrics.DropMalformed, fmt.Errorf("%v: body of %d bytes: %w", call, len(p.Body), decode.ErrShortBody)
	}
	log := r.log.With(logfields.PacketID, p.ID, logfields.Call, call.Name)

	img := p.Image()
	base := r.heap.Alloc(uint64(len(img)))
	defer func() {
		if err := r.heap.Free(base); err != nil {
			log.Warn("Failed to release packet image", logfields.Error, err)
		}
	}()
	rel, err := decode.Relocate(r.sch, call, img, base)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownDiscriminant) {
			return tracemetrics.DropUnknownDiscriminant, err
		}
		return tracemetrics.DropMalformed, err
	}

	view := memory.NewImage(base, img)
	var (
		outs      []created
		destroyed []created
	)
	for _, s := range rel.Sites {
		v, err := memory.ReadU64(view, s.At)
		if err != nil {
			return tracemetrics.DropMalformed, err
		}
		if s.Out {
			if s.Arg == call.Creates {
				outs = append(outs, created{site: s, capture: v})
			}
			continue
		}
		if s.Arg == call.Destroys {
			destroyed = append(destroyed, created{site: s, capture: v})
		}
		replay, _ := r.handles.Remap(s.Handle, v)
		if err := memory.WriteU64(view, s.At, replay); err != nil {
			return tracemetrics.DropMalformed, err
		}
	}
	if err := r.heap.Write(base, img); err != nil {
		return tracemetrics.DropMalformed, err
	}
	args := make([]uint64, len(call.Args))
	for i := range args {
		if args[i], err = memory.ReadU64(view, base.Add(uint64(i)*schema.SlotSize)); err != nil {
			return tracemetrics.DropMalformed, err
		}
	}

	if call.HasShadow() && rel.ShadowLen > 0 {
		r.restore(call, args, rel, log)
	}

	result, err := r.driver.Invoke(ctx, call, args)
	if err != nil {
		return tracemetrics.DropDriver, fmt.Errorf("%w: %w", ErrDriver, err)
	}
	tracemetrics.PacketsReplayed.WithLabelValues(call.Name).Inc()
	if result != p.Result {
		r.mismatches.Inc()
		tracemetrics.ResultMismatches.WithLabelValues(call.Name).Inc()
		if r.limiter.Allow() {
			log.Warn("Replayed call returned a different result",
				logfields.Expected, p.Result,
				logfields.Result, result)
		}
	}

	captured, replayed := r.success(p.Result), r.success(result)
	if captured && replayed {
		for _, c := range outs {
			r.register(c, log)
		}
		if err := r.shadow.Follow(call, args); err != nil {
			log.Warn("Cannot track mapped memory", logfields.Error, err)
		}
	}
	if captured {
		for _, c := range destroyed {
			if c.capture != 0 && !r.handles.Remove(c.site.Handle, c.capture) {
				log.Debug("Destroyed handle was not mapped",
					logfields.HandleType, c.site.Handle,
					logfields.Handle, c.capture)
			}
		}
	}
	return 0, nil
}

// register maps a handle created at capture to the one the driver returned,
// read back from the replay memory the call wrote to.
func (r *Replayer) register(c created, log logger.FieldLogger) {
	if c.capture == 0 {
		return
	}
	v, err := memory.ReadU64(r.heap, c.site.At)
	if old, ok := r.handles.Lookup(c.site.Handle, c.capture); err == nil && ok && old == v {
		return
	}
	if err == nil {
		err = r.handles.Add(c.site.Handle, c.capture, v)
	}
	if err != nil {
		log.Warn("Cannot register created handle",
			logfields.HandleType, c.site.Handle,
			logfields.Handle, c.capture,
			logfields.Error, err)
	}
}

// restore writes the captured mapping content into the replay mapping,
// before the call unmaps it.
func (r *Replayer) restore(call *schema.Call, args []uint64, rel *decode.Relocation, log logger.FieldLogger) {
	handle := args[call.Memory.Handle]
	data, err := r.heap.Read(rel.Shadow, rel.ShadowLen)
	if err == nil {
		err = r.shadow.Restore(handle, data)
	}
	if err != nil {
		log.Warn("Cannot restore mapped memory",
			logfields.Handle, handle,
			logfields.Error, err)
		return
	}
	tracemetrics.ShadowAdd(tracemetrics.ShadowRestore, len(data))
}

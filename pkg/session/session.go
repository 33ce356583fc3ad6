// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package session captures calls into packets. A Session owns everything a
// capture needs: the packet sequence, the mapped memory tracker and the
// output sink. Any number of goroutines may capture calls concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/schema"
	"github.com/cilium/calltrace/pkg/shadow"
)

var (
	// ErrAllocation is returned when a packet for a call cannot be sized or
	// would exceed the maximum packet size. The call must not proceed.
	ErrAllocation = errors.New("cannot allocate packet")
	// ErrCapture is returned by Call when the call ran but its packet was
	// lost.
	ErrCapture = errors.New("call not captured")
	// ErrClosed is returned for calls after Teardown.
	ErrClosed = errors.New("session closed")
)

// DefaultMaxPacketSize bounds packets unless configured otherwise.
const DefaultMaxPacketSize = 16 << 20

// Opener creates the sink of a session. It is called once, by Init.
type Opener func(ctx context.Context, id uuid.UUID) (packet.Sink, error)

// Stats are the counters of a session.
type Stats struct {
	Captured uint64
	Dropped  uint64
	Suspect  uint64
	Bytes    uint64
}

// Session is a capture session.
type Session struct {
	sch     *schema.Schema
	mem     memory.Space
	shadow  *shadow.Tracker
	open    Opener
	log     logger.FieldLogger
	maxSize uint64
	now     func() time.Time
	success func(uint64) bool

	initOnce sync.Once
	initErr  error
	id       uuid.UUID

	seq      atomic.Uint64
	captured atomic.Uint64
	dropped  atomic.Uint64
	suspect  atomic.Uint64
	bytes    atomic.Uint64

	mu     sync.Mutex
	sink   packet.Sink
	closed bool
}

type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log logger.FieldLogger) Option {
	return func(s *Session) { s.log = log }
}

// WithMaxPacketSize bounds the framed size of packets.
func WithMaxPacketSize(n uint64) Option {
	return func(s *Session) { s.maxSize = n }
}

// WithClock sets the packet timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id uuid.UUID) Option {
	return func(s *Session) { s.id = id }
}

// WithSuccess sets the predicate telling successful call results apart.
// Memory tracking only follows successful calls. The default treats zero as
// success.
func WithSuccess(f func(result uint64) bool) Option {
	return func(s *Session) { s.success = f }
}

// New returns a session capturing calls of sch whose arguments point into
// mem. The sink is opened by Init.
func New(sch *schema.Schema, mem memory.Space, open Opener, opts ...Option) *Session {
	s := &Session{
		sch:     sch,
		mem:     mem,
		shadow:  shadow.New(mem),
		open:    open,
		log:     logger.GetLogger(),
		maxSize: DefaultMaxPacketSize,
		now:     time.Now,
		success: func(r uint64) bool { return r == 0 },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init generates the session id and opens the sink. It runs once; later
// calls return the result of the first one. BeginCall calls it, so explicit
// initialization is optional.
func (s *Session) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		if s.id == uuid.Nil {
			s.id = uuid.New()
		}
		sink, err := s.open(ctx, s.id)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open sink: %w", err)
			return
		}
		s.mu.Lock()
		s.sink = sink
		s.mu.Unlock()
		s.log = s.log.With(logfields.Session, s.id.String())
		s.log.Info("Capture session started")
	})
	return s.initErr
}

// ID returns the session id. It is valid after Init.
func (s *Session) ID() uuid.UUID { return s.id }

// Schema returns the schema of the captured API.
func (s *Session) Schema() *schema.Schema { return s.sch }

// Shadow returns the mapped memory tracker.
func (s *Session) Shadow() *shadow.Tracker { return s.shadow }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Captured: s.captured.Load(),
		Dropped:  s.dropped.Load(),
		Suspect:  s.suspect.Load(),
		Bytes:    s.bytes.Load(),
	}
}

// Teardown closes the sink. Packets of calls finishing afterwards are
// dropped with ErrClosed.
func (s *Session) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if c, ok := s.sink.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	st := s.Stats()
	s.log.Info("Capture session ended",
		"captured", st.Captured,
		"dropped", st.Dropped,
		"suspect", st.Suspect)
	return err
}

func (s *Session) emit(p *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.sink.WritePacket(p)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type threadKey struct{}

// WithThread returns a context carrying the id of the calling thread,
// recorded into packets.
func WithThread(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

func threadOf(ctx context.Context) uint64 {
	id, _ := ctx.Value(threadKey{}).(uint64)
	return id
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package handles maps handles issued at capture time to the handles issued
// for the same objects at replay time.
package handles

import (
	"errors"
	"fmt"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/metrics/tracemetrics"
	"github.com/cilium/calltrace/pkg/ratelimit"
	"github.com/cilium/calltrace/pkg/schema"
)

// Invalid is returned by Remap for handles without a mapping.
const Invalid = ^uint64(0)

var (
	// ErrHandleExists is returned when adding a handle that is already
	// mapped.
	ErrHandleExists = errors.New("handle already mapped")
	// ErrUnknownType is returned for handle types missing from the schema.
	ErrUnknownType = errors.New("unknown handle type")
	// ErrAbstract is returned when adding a handle of an abstract type.
	ErrAbstract = errors.New("abstract handle type")
	// ErrNullHandle is returned when adding the null handle.
	ErrNullHandle = errors.New("null handle")
)

// Map holds one capture to replay mapping per concrete handle type. Abstract
// types resolve by probing their concrete types in declaration order.
//
// Map is not safe for concurrent use: replay is single threaded and
// synchronization is up to the caller.
type Map struct {
	types   map[string]*schema.HandleType
	maps    map[string]map[uint64]uint64
	log     logger.FieldLogger
	limiter *ratelimit.RateLimiter
	misses  uint64
}

type Option func(*Map)

// WithLogger sets the logger for missing mappings.
func WithLogger(log logger.FieldLogger) Option {
	return func(m *Map) { m.log = log }
}

// WithRateLimiter throttles warnings for missing mappings.
func WithRateLimiter(r *ratelimit.RateLimiter) Option {
	return func(m *Map) { m.limiter = r }
}

// New returns an empty Map for the given handle types.
func New(types []*schema.HandleType, opts ...Option) *Map {
	m := &Map{
		types: make(map[string]*schema.HandleType, len(types)),
		maps:  make(map[string]map[uint64]uint64, len(types)),
		log:   logger.GetLogger(),
	}
	for _, t := range types {
		m.types[t.Name] = t
		if !t.Abstract() {
			m.maps[t.Name] = make(map[uint64]uint64)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Map) concrete(typ string) ([]string, error) {
	t, ok := m.types[typ]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	if t.Abstract() {
		return t.Concrete, nil
	}
	return []string{typ}, nil
}

// Add records that capture maps to replay.
func (m *Map) Add(typ string, capture, replay uint64) error {
	t, ok := m.types[typ]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	if t.Abstract() {
		return fmt.Errorf("%w %q", ErrAbstract, typ)
	}
	if capture == 0 {
		return fmt.Errorf("%s: %w", typ, ErrNullHandle)
	}
	mm := m.maps[typ]
	if old, ok := mm[capture]; ok {
		return fmt.Errorf("%s %#x already maps to %#x: %w", typ, capture, old, ErrHandleExists)
	}
	mm[capture] = replay
	return nil
}

// Lookup returns the replay handle of capture. The null handle maps to
// itself.
func (m *Map) Lookup(typ string, capture uint64) (uint64, bool) {
	if capture == 0 {
		return 0, true
	}
	names, err := m.concrete(typ)
	if err != nil {
		return Invalid, false
	}
	for _, name := range names {
		if replay, ok := m.maps[name][capture]; ok {
			return replay, true
		}
	}
	return Invalid, false
}

// Remap is Lookup for handles about to be passed to a call. A missing
// mapping is logged and counted, and yields Invalid.
func (m *Map) Remap(typ string, capture uint64) (uint64, bool) {
	replay, ok := m.Lookup(typ, capture)
	if ok {
		return replay, true
	}
	m.misses++
	tracemetrics.HandleMisses.WithLabelValues(typ).Inc()
	if m.limiter.Allow() {
		m.log.Warn("No replay mapping for handle",
			logfields.HandleType, typ,
			logfields.Handle, fmt.Sprintf("%#x", capture))
	}
	return Invalid, false
}

// Remove deletes the mapping of capture and returns whether there was one.
func (m *Map) Remove(typ string, capture uint64) bool {
	names, err := m.concrete(typ)
	if err != nil {
		return false
	}
	for _, name := range names {
		if _, ok := m.maps[name][capture]; ok {
			delete(m.maps[name], capture)
			return true
		}
	}
	return false
}

// Len returns the number of mappings of a handle type.
func (m *Map) Len(typ string) int {
	names, err := m.concrete(typ)
	if err != nil {
		return 0
	}
	n := 0
	for _, name := range names {
		n += len(m.maps[name])
	}
	return n
}

// Total returns the number of mappings of all handle types.
func (m *Map) Total() int {
	n := 0
	for _, mm := range m.maps {
		n += len(mm)
	}
	return n
}

// Misses returns the number of failed remaps.
func (m *Map) Misses() uint64 { return m.misses }

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package schema holds the declarative description of a captured API: for
// every call kind, the ordered list of argument slots with their roles and
// types, plus the struct and chain node layouts they reference. The size
// estimator, the packet encoder and the packet decoder are all driven by it.
package schema

import (
	"errors"
	"fmt"
	"slices"

	"github.com/cilium/calltrace/pkg/memory"
)

var (
	// ErrUnknownKind is returned for call kinds missing from the schema.
	ErrUnknownKind = errors.New("unknown call kind")
	// ErrUnknownDiscriminant is returned for chain nodes whose discriminant
	// has no registered layout. Nothing after such a node can be trusted.
	ErrUnknownDiscriminant = errors.New("unknown chain discriminant")
	// ErrInvalid is returned for schemas that fail validation.
	ErrInvalid = errors.New("invalid schema")
	// ErrChainTooLong is returned for chains longer than MaxChainLength.
	ErrChainTooLong = errors.New("chain too long")
	// ErrTooDeep is returned for content nested deeper than MaxDepth.
	ErrTooDeep = errors.New("content nested too deep")
)

const (
	// MaxChainLength bounds chain traversal, so that a cyclic chain fails
	// instead of looping.
	MaxChainLength = 1024
	// MaxDepth bounds pointer nesting below a call argument.
	MaxDepth = 16
)

// Schema is a compiled, immutable API description. It is safe for
// concurrent use.
type Schema struct {
	name    string
	handles map[string]*HandleType
	order   []*HandleType
	structs map[string]*Struct
	nodes   map[uint32]*Struct
	calls   map[uint32]*Call
	names   map[string]*Call
	spec    *Spec
}

// Spec returns the declaration the schema was compiled from.
func (s *Schema) Spec() *Spec { return s.spec }

// Name returns the API name.
func (s *Schema) Name() string { return s.name }

// Call returns the call with the given kind.
func (s *Schema) Call(kind uint32) (*Call, error) {
	c, ok := s.calls[kind]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownKind, kind)
	}
	return c, nil
}

// CallByName returns the call with the given name.
func (s *Schema) CallByName(name string) (*Call, error) {
	c, ok := s.names[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, name)
	}
	return c, nil
}

// Calls returns all calls ordered by kind.
func (s *Schema) Calls() []*Call {
	calls := make([]*Call, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	slices.SortFunc(calls, func(a, b *Call) int { return int(a.Kind) - int(b.Kind) })
	return calls
}

// Node returns the layout of the chain node with discriminant tag.
func (s *Schema) Node(tag uint32) (*Struct, error) {
	n, ok := s.nodes[tag]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownDiscriminant, tag)
	}
	return n, nil
}

// Struct returns the named struct layout.
func (s *Schema) Struct(name string) (*Struct, bool) {
	st, ok := s.structs[name]
	return st, ok
}

// Handle returns the named handle type.
func (s *Schema) Handle(name string) (*HandleType, bool) {
	h, ok := s.handles[name]
	return h, ok
}

// Handles returns handle types in declaration order.
func (s *Schema) Handles() []*HandleType { return s.order }

// Frame gives access to the raw values of sibling slots: the arguments of a
// call or the fields of one struct instance.
type Frame interface {
	Value(i int) (uint64, error)
}

// ArgFrame is the Frame of call arguments.
type ArgFrame []uint64

// Value implements Frame.
func (f ArgFrame) Value(i int) (uint64, error) {
	if i < 0 || i >= len(f) {
		return 0, fmt.Errorf("argument %d out of range", i)
	}
	return f[i], nil
}

// StructFrame is the Frame of a struct instance in memory.
type StructFrame struct {
	Mem   memory.Space
	Base  memory.Pointer
	Slots []Slot
}

// Value implements Frame.
func (f StructFrame) Value(i int) (uint64, error) {
	return ReadField(f.Mem, f.Base, &f.Slots[i])
}

// ReadField reads the raw value of slot in the struct at base.
func ReadField(mem memory.Space, base memory.Pointer, slot *Slot) (uint64, error) {
	return memory.ReadUint(mem, base.Add(slot.Offset), slot.Size())
}

// Elements returns how many elements the pointer slot slots[i] points to.
// Counts held behind a pointer are dereferenced; a null count pointer means
// zero elements.
func Elements(mem memory.Space, slots []Slot, i int, f Frame) (uint64, error) {
	s := &slots[i]
	switch s.Role {
	case RoleFixedArray:
		return s.Length, nil
	case RoleArray:
		cs := &slots[s.Count]
		v, err := f.Value(s.Count)
		if err != nil {
			return 0, err
		}
		if cs.Role == RoleValue {
			return Truncate(v, cs.Type.Size), nil
		}
		if v == 0 {
			return 0, nil
		}
		return memory.ReadUint(mem, memory.Pointer(v), cs.Type.Size)
	default:
		return 1, nil
	}
}

// Truncate keeps the low size bytes of v.
func Truncate(v, size uint64) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(8*size) - 1)
}

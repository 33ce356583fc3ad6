// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package sizer computes how many dynamic bytes a call's arguments occupy
// once embedded into a packet.
package sizer

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/schema"
)

// ErrTooLarge is returned when the estimate overflows.
var ErrTooLarge = errors.New("dynamic content too large")

type estimator struct {
	sch *schema.Schema
	mem memory.Space
}

// Estimate returns the number of dynamic bytes needed to embed everything
// the arguments of call point to. Pointer arguments are resolved in mem.
//
// For output arrays the count is read as it is when Estimate runs: before
// the call it is the capacity offered by the caller, after the call it is
// the number of elements the call produced.
func Estimate(sch *schema.Schema, call *schema.Call, args []uint64, mem memory.Space) (uint64, error) {
	if len(args) != len(call.Args) {
		return 0, fmt.Errorf("%v: %d arguments, want %d", call, len(args), len(call.Args))
	}
	e := estimator{sch: sch, mem: mem}
	return e.slots(call.Args, schema.ArgFrame(args), 0)
}

// Content returns the dynamic bytes below the struct st located at base,
// excluding the struct itself and, for chain nodes, the rest of the chain.
func Content(sch *schema.Schema, st *schema.Struct, base memory.Pointer, mem memory.Space) (uint64, error) {
	e := estimator{sch: sch, mem: mem}
	return e.content(st, base, 0)
}

func add(a, b uint64) (uint64, error) {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrTooLarge
	}
	return s, nil
}

func mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrTooLarge
	}
	return lo, nil
}

func (e *estimator) slots(slots []schema.Slot, f schema.Frame, depth int) (uint64, error) {
	var total uint64
	for i := range slots {
		s := &slots[i]
		if !s.Role.IsPointer() || s.Link {
			continue
		}
		v, err := f.Value(i)
		if err != nil {
			return 0, err
		}
		n, err := e.pointee(slots, i, memory.Pointer(v), f, depth)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", s.Name, err)
		}
		if total, err = add(total, n); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (e *estimator) pointee(slots []schema.Slot, i int, p memory.Pointer, f schema.Frame, depth int) (uint64, error) {
	if p.IsNull() {
		return 0, nil
	}
	s := &slots[i]
	switch s.Role {
	case schema.RoleString:
		n, err := memory.Strlen(e.mem, p)
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case schema.RoleChain:
		return e.chain(p, depth)
	}

	n, err := schema.Elements(e.mem, slots, i, f)
	if err != nil {
		return 0, err
	}
	total, err := mul(n, s.Type.Size)
	if err != nil {
		return 0, err
	}
	if s.Type.Kind != schema.KindStruct || !s.Type.Struct.Dynamic() {
		return total, nil
	}
	st := s.Type.Struct
	for k := uint64(0); k < n; k++ {
		c, err := e.content(st, p.Add(k*st.Size), depth+1)
		if err != nil {
			return 0, err
		}
		if total, err = add(total, c); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (e *estimator) content(st *schema.Struct, base memory.Pointer, depth int) (uint64, error) {
	if depth > schema.MaxDepth {
		return 0, schema.ErrTooDeep
	}
	if !st.Dynamic() {
		return 0, nil
	}
	return e.slots(st.Slots, schema.StructFrame{Mem: e.mem, Base: base, Slots: st.Slots}, depth)
}

func (e *estimator) chain(head memory.Pointer, depth int) (uint64, error) {
	var total uint64
	for n := 0; !head.IsNull(); n++ {
		if n == schema.MaxChainLength {
			return 0, schema.ErrChainTooLong
		}
		tag, err := memory.ReadU32(e.mem, head)
		if err != nil {
			return 0, err
		}
		node, err := e.sch.Node(tag)
		if err != nil {
			return 0, err
		}
		c, err := e.content(node, head, depth+1)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", node.Name, err)
		}
		if total, err = add(total, node.Size+c); err != nil {
			return 0, err
		}
		if head, err = memory.ReadPointer(e.mem, head.Add(node.LinkOffset())); err != nil {
			return 0, err
		}
	}
	return total, nil
}

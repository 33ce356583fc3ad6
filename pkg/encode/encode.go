// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package encode copies call arguments into a packet arena. Scalars go into
// the argument's body slot; pointed-to content is embedded into the dynamic
// region and the slot receives its reference.
package encode

import (
	"fmt"

	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/schema"
)

// Encoder embeds content read from an address space into an arena.
type Encoder struct {
	sch   *schema.Schema
	mem   memory.Space
	arena *packet.Arena
}

// New returns an Encoder reading from mem and writing to arena.
func New(sch *schema.Schema, mem memory.Space, arena *packet.Arena) *Encoder {
	return &Encoder{sch: sch, mem: mem, arena: arena}
}

// Args encodes the arguments of call. Every pointer slot is written exactly
// once, null pointers included.
func (e *Encoder) Args(call *schema.Call, args []uint64) error {
	if len(args) != len(call.Args) {
		return fmt.Errorf("%v: %d arguments, want %d", call, len(args), len(call.Args))
	}
	if e.arena.BodyLen() != call.BodySize {
		return fmt.Errorf("%v: body of %d bytes, want %d", call, e.arena.BodyLen(), call.BodySize)
	}
	f := schema.ArgFrame(args)
	for i := range call.Args {
		s := &call.Args[i]
		at := uint64(i) * schema.SlotSize
		var err error
		if s.Role.IsPointer() {
			err = e.embed(at, call.Args, i, memory.Pointer(args[i]), f, 0)
		} else {
			err = e.arena.PutUint(at, s.Type.Size, args[i])
		}
		if err != nil {
			return fmt.Errorf("%v: %s: %w", call, s.Name, err)
		}
	}
	return nil
}

// Shadow embeds captured mapped memory content into the trailing slots of an
// unmapping call.
func (e *Encoder) Shadow(call *schema.Call, data []byte) error {
	if !call.HasShadow() {
		return fmt.Errorf("%v does not carry mapped memory", call)
	}
	at := call.ShadowOffset()
	ref := packet.NullRef
	if len(data) > 0 {
		var err error
		if ref, err = e.arena.Embed(data); err != nil {
			return err
		}
	}
	if err := e.arena.SetRef(at, ref); err != nil {
		return err
	}
	return e.arena.PutUint(at+schema.SlotSize, schema.SlotSize, uint64(len(data)))
}

// embed embeds what slots[i] points to and stores its reference at at.
func (e *Encoder) embed(at uint64, slots []schema.Slot, i int, p memory.Pointer, f schema.Frame, depth int) error {
	if p.IsNull() {
		return e.arena.SetRef(at, packet.NullRef)
	}
	s := &slots[i]
	switch s.Role {
	case schema.RoleString:
		n, err := memory.Strlen(e.mem, p)
		if err != nil {
			return err
		}
		_, err = e.copy(at, p, n+1)
		return err
	case schema.RoleChain:
		return e.chain(at, p, depth)
	}

	n, err := schema.Elements(e.mem, slots, i, f)
	if err != nil {
		return err
	}
	size := s.Type.Size
	ref, err := e.copy(at, p, n*size)
	if err != nil {
		return err
	}
	if s.Type.Kind != schema.KindStruct || !s.Type.Struct.Dynamic() {
		return nil
	}
	for k := uint64(0); k < n; k++ {
		if err := e.content(s.Type.Struct, uint64(ref)+k*size, p.Add(k*size), depth+1); err != nil {
			return fmt.Errorf("[%d]: %w", k, err)
		}
	}
	return nil
}

// copy embeds size bytes from p and stores their reference at at.
func (e *Encoder) copy(at uint64, p memory.Pointer, size uint64) (packet.Ref, error) {
	data, err := e.mem.Read(p, size)
	if err != nil {
		return packet.NullRef, err
	}
	ref, err := e.arena.Embed(data)
	if err != nil {
		return packet.NullRef, err
	}
	return ref, e.arena.SetRef(at, ref)
}

// content embeds the pointer fields of the struct src, whose copy is already
// embedded at dst.
func (e *Encoder) content(st *schema.Struct, dst uint64, src memory.Pointer, depth int) error {
	if depth > schema.MaxDepth {
		return schema.ErrTooDeep
	}
	if !st.Dynamic() {
		return nil
	}
	f := schema.StructFrame{Mem: e.mem, Base: src, Slots: st.Slots}
	for i := range st.Slots {
		s := &st.Slots[i]
		if !s.Role.IsPointer() || s.Link {
			continue
		}
		v, err := f.Value(i)
		if err != nil {
			return err
		}
		if err := e.embed(dst+s.Offset, st.Slots, i, memory.Pointer(v), f, depth); err != nil {
			return fmt.Errorf("%s.%s: %w", st.Name, s.Name, err)
		}
	}
	return nil
}

// chain embeds the chain starting at head one node at a time, in order,
// storing each node's reference into the link of the previous one.
func (e *Encoder) chain(at uint64, head memory.Pointer, depth int) error {
	for n := 0; !head.IsNull(); n++ {
		if n == schema.MaxChainLength {
			return schema.ErrChainTooLong
		}
		tag, err := memory.ReadU32(e.mem, head)
		if err != nil {
			return err
		}
		node, err := e.sch.Node(tag)
		if err != nil {
			return err
		}
		data, err := e.mem.Read(head, node.Size)
		if err != nil {
			return err
		}
		ref, err := e.arena.Embed(data)
		if err != nil {
			return err
		}
		if err := e.arena.SetRef(at, ref); err != nil {
			return err
		}
		if err := e.content(node, uint64(ref), head, depth+1); err != nil {
			return err
		}
		at = uint64(ref) + node.LinkOffset()
		if head, err = memory.ReadPointer(e.mem, head.Add(node.LinkOffset())); err != nil {
			return err
		}
	}
	return e.arena.SetRef(at, packet.NullRef)
}

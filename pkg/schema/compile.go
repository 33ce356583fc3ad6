// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package schema

import (
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

var primitives = map[string]*Type{
	"u8":  U8,
	"u16": U16,
	"u32": U32,
	"u64": U64,
	"i32": I32,
	"i64": I64,
	"f32": F32,
	"f64": F64,
	"ptr": Ptr,
}

var roles = map[string]Role{
	"":        RoleValue,
	"value":   RoleValue,
	"string":  RoleString,
	"array":   RoleArray,
	"fixed":   RoleFixedArray,
	"chain":   RoleChain,
	"pointer": RolePointer,
}

var memoryOps = map[string]MemoryOp{
	"alloc": MemoryAlloc,
	"map":   MemoryMap,
	"unmap": MemoryUnmap,
	"free":  MemoryFree,
}

const (
	unvisited = iota
	visiting
	visited
)

type compiler struct {
	spec  *Spec
	s     *Schema
	specs map[*Struct]*StructSpec
	state map[*Struct]int
}

// Compile validates spec and computes struct layouts. Layouts follow natural
// C alignment on a 64-bit little-endian target: chain nodes therefore hold
// their discriminant at offset 0 and their link at offset 8.
func Compile(spec *Spec) (*Schema, error) {
	c := &compiler{
		spec: spec,
		s: &Schema{
			name:    spec.Name,
			handles: make(map[string]*HandleType),
			structs: make(map[string]*Struct),
			nodes:   make(map[uint32]*Struct),
			calls:   make(map[uint32]*Call),
			names:   make(map[string]*Call),
			spec:    spec,
		},
		specs: make(map[*Struct]*StructSpec),
		state: make(map[*Struct]int),
	}
	if err := c.compile(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return c.s, nil
}

func (c *compiler) compile() error {
	if c.spec.Name == "" {
		return errors.New("missing schema name")
	}
	if err := c.handles(); err != nil {
		return err
	}

	var order []*Struct
	typeNames := mapset.NewThreadUnsafeSet[string]()
	tags := mapset.NewThreadUnsafeSet[uint32]()
	declare := func(ss *StructSpec, node bool) error {
		if ss.Name == "" {
			return errors.New("struct without a name")
		}
		if _, ok := primitives[ss.Name]; ok || ss.Name == "handle" || !typeNames.Add(ss.Name) {
			return fmt.Errorf("duplicate type name %q", ss.Name)
		}
		st := &Struct{Name: ss.Name, Node: node, Tag: ss.Tag}
		st.Type = &Type{Name: ss.Name, Kind: KindStruct, Struct: st}
		if node {
			if !tags.Add(ss.Tag) {
				return fmt.Errorf("node %q: duplicate discriminant %d", ss.Name, ss.Tag)
			}
			c.s.nodes[ss.Tag] = st
		} else {
			c.s.structs[ss.Name] = st
		}
		c.specs[st] = ss
		order = append(order, st)
		return nil
	}
	for i := range c.spec.Structs {
		if err := declare(&c.spec.Structs[i], false); err != nil {
			return err
		}
	}
	for i := range c.spec.Nodes {
		if err := declare(&c.spec.Nodes[i], true); err != nil {
			return err
		}
	}
	for _, st := range order {
		if err := c.layout(st); err != nil {
			return err
		}
	}

	kinds := mapset.NewThreadUnsafeSet[uint32]()
	for i := range c.spec.Calls {
		cs := &c.spec.Calls[i]
		if !kinds.Add(cs.Kind) {
			return fmt.Errorf("call %q: duplicate kind %d", cs.Name, cs.Kind)
		}
		if _, ok := c.s.names[cs.Name]; ok || cs.Name == "" {
			return fmt.Errorf("call kind %d: duplicate or empty name %q", cs.Kind, cs.Name)
		}
		call, err := c.call(cs)
		if err != nil {
			return fmt.Errorf("call %q: %w", cs.Name, err)
		}
		c.s.calls[call.Kind] = call
		c.s.names[call.Name] = call
	}
	return nil
}

func (c *compiler) handles() error {
	for i := range c.spec.Handles {
		hs := &c.spec.Handles[i]
		if hs.Name == "" {
			return errors.New("handle type without a name")
		}
		if _, ok := c.s.handles[hs.Name]; ok {
			return fmt.Errorf("duplicate handle type %q", hs.Name)
		}
		ht := &HandleType{Name: hs.Name, Concrete: slices.Clone(hs.Concrete)}
		c.s.handles[ht.Name] = ht
		c.s.order = append(c.s.order, ht)
	}
	for _, ht := range c.s.order {
		seen := mapset.NewThreadUnsafeSet[string]()
		for _, name := range ht.Concrete {
			ct, ok := c.s.handles[name]
			if !ok {
				return fmt.Errorf("handle type %q: unknown concrete type %q", ht.Name, name)
			}
			if ct.Abstract() {
				return fmt.Errorf("handle type %q: %q is itself abstract", ht.Name, name)
			}
			if !seen.Add(name) {
				return fmt.Errorf("handle type %q: %q listed twice", ht.Name, name)
			}
		}
	}
	return nil
}

func alignUp(v, to uint64) uint64 {
	return (v + to - 1) &^ (to - 1)
}

func (c *compiler) layout(st *Struct) error {
	switch c.state[st] {
	case visited:
		return nil
	case visiting:
		return fmt.Errorf("struct %q contains itself", st.Name)
	}
	c.state[st] = visiting

	slots, err := c.slots(c.specs[st].Fields, false)
	if err != nil {
		return fmt.Errorf("struct %q: %w", st.Name, err)
	}
	if st.Node {
		if len(slots) < 2 || slots[0].Role != RoleValue || slots[0].Type != U32 || slots[1].Role != RoleChain {
			return fmt.Errorf("node %q must start with a u32 discriminant followed by a chain link", st.Name)
		}
		slots[1].Link = true
	}

	offset, align := uint64(0), uint64(1)
	for i := range slots {
		a := slots[i].align()
		offset = alignUp(offset, a)
		slots[i].Offset = offset
		offset += slots[i].Size()
		align = max(align, a)
		if slots[i].Role.IsPointer() && !slots[i].Link {
			st.dynamic = true
		}
	}
	st.Slots = slots
	st.Align = align
	st.Size = alignUp(offset, align)
	st.Type.Size = st.Size
	st.Type.Align = st.Align
	c.state[st] = visited
	return nil
}

func (c *compiler) resolve(f *FieldSpec) (*Type, error) {
	if f.Handle != "" && f.Type != "handle" {
		return nil, fmt.Errorf("field %q: handle %q on a non-handle type", f.Name, f.Handle)
	}
	if t, ok := primitives[f.Type]; ok {
		return t, nil
	}
	switch f.Type {
	case "":
		return nil, fmt.Errorf("field %q: missing type", f.Name)
	case "handle":
		if _, ok := c.s.handles[f.Handle]; !ok {
			return nil, fmt.Errorf("field %q: unknown handle type %q", f.Name, f.Handle)
		}
		return HandleOf(f.Handle), nil
	}
	st, ok := c.s.structs[f.Type]
	if !ok {
		return nil, fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
	}
	return st.Type, nil
}

func (c *compiler) slots(fields []FieldSpec, args bool) ([]Slot, error) {
	slots := make([]Slot, 0, len(fields))
	index := make(map[string]int, len(fields))
	for i := range fields {
		f := &fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("field %d without a name", i)
		}
		if _, ok := index[f.Name]; ok {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		role, ok := roles[f.Role]
		if !ok {
			return nil, fmt.Errorf("field %q: unknown role %q", f.Name, f.Role)
		}
		slot := Slot{Name: f.Name, Role: role, Count: -1, Length: f.Length, Out: f.Out}

		if role == RoleString || role == RoleChain {
			if f.Type != "" {
				return nil, fmt.Errorf("field %q: %s fields take no type", f.Name, role)
			}
		} else {
			t, err := c.resolve(f)
			if err != nil {
				return nil, err
			}
			slot.Type = t
		}
		if role != RoleArray && f.Count != "" {
			return nil, fmt.Errorf("field %q: count is only valid for arrays", f.Name)
		}
		if role != RoleFixedArray && f.Length != 0 {
			return nil, fmt.Errorf("field %q: length is only valid for fixed arrays", f.Name)
		}

		switch role {
		case RoleValue:
			if f.Out {
				return nil, fmt.Errorf("field %q: only pointers can be outputs", f.Name)
			}
			if slot.Type.Kind == KindStruct {
				if args {
					return nil, fmt.Errorf("argument %q: structs are passed by pointer", f.Name)
				}
				if err := c.layout(slot.Type.Struct); err != nil {
					return nil, err
				}
				if slot.Type.Struct.Dynamic() {
					return nil, fmt.Errorf("field %q: struct %q holds pointers and must be referenced by pointer", f.Name, f.Type)
				}
			}
		case RoleArray:
			ci, ok := index[f.Count]
			if !ok {
				return nil, fmt.Errorf("field %q: count %q must name a preceding field", f.Name, f.Count)
			}
			cs := &slots[ci]
			if cs.Type == nil || !cs.Type.Kind.IsInteger() || (cs.Role != RoleValue && cs.Role != RolePointer) {
				return nil, fmt.Errorf("field %q: count %q must be an integer or a pointer to one", f.Name, f.Count)
			}
			slot.Count = ci
		case RoleFixedArray:
			if f.Length == 0 {
				return nil, fmt.Errorf("field %q: fixed arrays need a length", f.Name)
			}
		}
		index[f.Name] = i
		slots = append(slots, slot)
	}
	return slots, nil
}

func (c *compiler) call(cs *CallSpec) (*Call, error) {
	args, err := c.slots(cs.Args, true)
	if err != nil {
		return nil, err
	}
	call := &Call{
		Kind:     cs.Kind,
		Name:     cs.Name,
		Args:     args,
		Creates:  -1,
		Destroys: -1,
		Memory:   Memory{Op: MemoryNone, Handle: -1, Size: -1, Offset: -1, Pointer: -1},
	}
	arg := func(name string) (int, *Slot, error) {
		for i := range args {
			if args[i].Name == name {
				return i, &args[i], nil
			}
		}
		return -1, nil, fmt.Errorf("unknown argument %q", name)
	}

	if cs.Creates != "" {
		i, a, err := arg(cs.Creates)
		if err != nil {
			return nil, err
		}
		if !a.Out || !a.IsHandle() || (a.Role != RolePointer && a.Role != RoleArray) {
			return nil, fmt.Errorf("creates %q must be an output pointer or array of handles", a.Name)
		}
		call.Creates = i
	}
	if cs.Destroys != "" {
		i, a, err := arg(cs.Destroys)
		if err != nil {
			return nil, err
		}
		if a.Out || !a.IsHandle() || (a.Role != RoleValue && a.Role != RoleArray && a.Role != RolePointer) {
			return nil, fmt.Errorf("destroys %q must be an input handle or array of handles", a.Name)
		}
		call.Destroys = i
	}
	if cs.Memory != nil {
		if err := c.memory(call, cs.Memory, arg); err != nil {
			return nil, err
		}
	}

	call.BodySize = uint64(len(args)) * SlotSize
	if call.HasShadow() {
		call.BodySize += 2 * SlotSize
	}
	return call, nil
}

func isInteger(a *Slot) bool {
	return a.Role == RoleValue && a.Type.Kind.IsInteger()
}

func (c *compiler) memory(call *Call, ms *MemorySpec, arg func(string) (int, *Slot, error)) error {
	op, ok := memoryOps[ms.Op]
	if !ok {
		return fmt.Errorf("unknown memory op %q", ms.Op)
	}
	m := &call.Memory
	m.Op = op

	var h *Slot
	var err error
	if m.Handle, h, err = arg(ms.Handle); err != nil {
		return fmt.Errorf("memory handle: %w", err)
	}
	optional := func(name string, dst *int, check func(*Slot) bool, what string) error {
		if name == "" {
			return nil
		}
		i, a, err := arg(name)
		if err != nil {
			return fmt.Errorf("memory %s: %w", what, err)
		}
		if !check(a) {
			return fmt.Errorf("memory %s %q has the wrong type", what, name)
		}
		*dst = i
		return nil
	}

	switch op {
	case MemoryAlloc:
		if h.Role != RolePointer || !h.Out || !h.IsHandle() {
			return fmt.Errorf("alloc handle %q must be an output pointer to a handle", h.Name)
		}
		if ms.Size == "" {
			return errors.New("alloc needs a size argument")
		}
		if err := optional(ms.Size, &m.Size, isInteger, "size"); err != nil {
			return err
		}
	case MemoryMap:
		if h.Role != RoleValue || !h.IsHandle() {
			return fmt.Errorf("map handle %q must be a handle value", h.Name)
		}
		if ms.Pointer == "" {
			return errors.New("map needs a pointer argument")
		}
		isOutPtr := func(a *Slot) bool { return a.Role == RolePointer && a.Out && a.Type.Kind == KindPointer }
		if err := optional(ms.Pointer, &m.Pointer, isOutPtr, "pointer"); err != nil {
			return err
		}
		if err := optional(ms.Offset, &m.Offset, isInteger, "offset"); err != nil {
			return err
		}
		if err := optional(ms.Size, &m.Size, isInteger, "size"); err != nil {
			return err
		}
	case MemoryUnmap, MemoryFree:
		if h.Role != RoleValue || !h.IsHandle() {
			return fmt.Errorf("%s handle %q must be a handle value", op, h.Name)
		}
	}
	return nil
}

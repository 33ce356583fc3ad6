// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package decode turns packets back into call arguments. Relocate rewrites
// the references of a packet image into addresses valid at the location the
// image is mapped to; Walk builds a structural view of a packet.
package decode

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/schema"
)

var (
	// ErrBadRef is returned for references pointing outside the dynamic
	// region.
	ErrBadRef = errors.New("reference outside dynamic region")
	// ErrShortBody is returned for packets whose body does not match the
	// call layout.
	ErrShortBody = errors.New("body does not match call layout")
)

// Site is the location of a handle inside a relocated image.
type Site struct {
	// At is the address of the handle value.
	At memory.Pointer
	// Handle is the handle type name.
	Handle string
	// Arg is the index of the call argument the handle belongs to.
	Arg int
	// Out is set for handles written by the call.
	Out bool
}

// Relocation is the result of relocating a packet image.
type Relocation struct {
	Base memory.Pointer
	// Args holds the relocated argument values.
	Args  []uint64
	Sites []Site
	// Refs is the number of non-null references rewritten.
	Refs int
	// Shadow addresses the mapped memory content carried by the packet.
	Shadow    memory.Pointer
	ShadowLen uint64
}

// Fixup converts a stored reference into an address relative to base.
func Fixup(base memory.Pointer, ref uint64) memory.Pointer {
	if ref == 0 {
		return memory.Null
	}
	return base.Add(ref)
}

type slotFrame struct {
	mem  memory.Space
	base memory.Pointer
}

func (f slotFrame) Value(i int) (uint64, error) {
	return memory.ReadU64(f.mem, f.base.Add(uint64(i)*schema.SlotSize))
}

type origin struct {
	arg int
	out bool
}

type relocator struct {
	sch     *schema.Schema
	mem     *memory.Image
	base    memory.Pointer
	bodyLen uint64
	end     uint64
	r       *Relocation
}

// Relocate rewrites, in place, every reference of img, the concatenated body
// and dynamic region of a packet of call, into an address assuming img is
// located at base. References are rewritten outermost first, so that every
// pointer is valid before what it points to is read, and chains one node at
// a time.
func Relocate(sch *schema.Schema, call *schema.Call, img []byte, base memory.Pointer) (*Relocation, error) {
	if uint64(len(img)) < call.BodySize {
		return nil, fmt.Errorf("%v: image of %d bytes: %w", call, len(img), ErrShortBody)
	}
	rl := &relocator{
		sch:     sch,
		mem:     memory.NewImage(base, img),
		base:    base,
		bodyLen: call.BodySize,
		end:     uint64(len(img)),
		r:       &Relocation{Base: base},
	}
	f := slotFrame{mem: rl.mem, base: base}
	for i := range call.Args {
		s := &call.Args[i]
		at := base.Add(uint64(i) * schema.SlotSize)
		o := origin{arg: i, out: s.Out}
		var err error
		switch {
		case s.Role.IsPointer():
			err = rl.pointer(at, call.Args, i, f, o, 0)
		case s.IsHandle():
			rl.site(at, s.Type.Handle, o)
		}
		if err != nil {
			return nil, fmt.Errorf("%v: %s: %w", call, s.Name, err)
		}
	}
	if call.HasShadow() {
		at := base.Add(call.ShadowOffset())
		p, err := rl.fix(at)
		if err != nil {
			return nil, fmt.Errorf("%v: mapped memory: %w", call, err)
		}
		n, err := memory.ReadU64(rl.mem, at.Add(schema.SlotSize))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if _, err := rl.mem.Read(p, n); err != nil {
				return nil, fmt.Errorf("%v: mapped memory: %w", call, err)
			}
		}
		rl.r.Shadow, rl.r.ShadowLen = p, n
	}
	rl.r.Args = make([]uint64, len(call.Args))
	for i := range call.Args {
		v, err := f.Value(i)
		if err != nil {
			return nil, err
		}
		rl.r.Args[i] = v
	}
	return rl.r, nil
}

func (rl *relocator) site(at memory.Pointer, handle string, o origin) {
	rl.r.Sites = append(rl.r.Sites, Site{At: at, Handle: handle, Arg: o.arg, Out: o.out})
}

// fix rewrites the reference stored at at and returns the address.
func (rl *relocator) fix(at memory.Pointer) (memory.Pointer, error) {
	ref, err := memory.ReadU64(rl.mem, at)
	if err != nil {
		return memory.Null, err
	}
	if ref == 0 {
		return memory.Null, nil
	}
	if ref < rl.bodyLen || ref > rl.end {
		return memory.Null, fmt.Errorf("%d not in [%d, %d]: %w", ref, rl.bodyLen, rl.end, ErrBadRef)
	}
	p := Fixup(rl.base, ref)
	if err := memory.WriteU64(rl.mem, at, uint64(p)); err != nil {
		return memory.Null, err
	}
	rl.r.Refs++
	return p, nil
}

func (rl *relocator) pointer(at memory.Pointer, slots []schema.Slot, i int, f schema.Frame, o origin, depth int) error {
	p, err := rl.fix(at)
	if err != nil || p.IsNull() {
		return err
	}
	s := &slots[i]
	switch s.Role {
	case schema.RoleString:
		_, err := memory.Strlen(rl.mem, p)
		return err
	case schema.RoleChain:
		return rl.chain(p, o, depth)
	}

	n, err := schema.Elements(rl.mem, slots, i, f)
	if err != nil {
		return err
	}
	size := s.Type.Size
	if hi, lo := bits.Mul64(n, size); hi != 0 || lo > rl.end {
		return fmt.Errorf("%d elements of %d bytes: %w", n, size, ErrBadRef)
	}
	if _, err := rl.mem.Read(p, n*size); err != nil {
		return err
	}
	for k := uint64(0); k < n; k++ {
		elem := p.Add(k * size)
		switch {
		case s.IsHandle():
			rl.site(elem, s.Type.Handle, o)
		case s.Type.Kind == schema.KindStruct:
			if err := rl.content(s.Type.Struct, elem, o, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", k, err)
			}
		}
	}
	return nil
}

// content relocates the fields of the struct at p and records its handles.
func (rl *relocator) content(st *schema.Struct, p memory.Pointer, o origin, depth int) error {
	if depth > schema.MaxDepth {
		return schema.ErrTooDeep
	}
	f := schema.StructFrame{Mem: rl.mem, Base: p, Slots: st.Slots}
	for i := range st.Slots {
		s := &st.Slots[i]
		at := p.Add(s.Offset)
		var err error
		switch {
		case s.Link:
		case s.Role.IsPointer():
			err = rl.pointer(at, st.Slots, i, f, o, depth)
		case s.IsHandle():
			rl.site(at, s.Type.Handle, o)
		case s.Type.Kind == schema.KindStruct:
			err = rl.content(s.Type.Struct, at, o, depth+1)
		}
		if err != nil {
			return fmt.Errorf("%s.%s: %w", st.Name, s.Name, err)
		}
	}
	return nil
}

func (rl *relocator) chain(p memory.Pointer, o origin, depth int) error {
	for n := 0; !p.IsNull(); n++ {
		if n == schema.MaxChainLength {
			return schema.ErrChainTooLong
		}
		tag, err := memory.ReadU32(rl.mem, p)
		if err != nil {
			return err
		}
		node, err := rl.sch.Node(tag)
		if err != nil {
			return err
		}
		if _, err := rl.mem.Read(p, node.Size); err != nil {
			return err
		}
		if err := rl.content(node, p, o, depth+1); err != nil {
			return err
		}
		if p, err = rl.fix(p.Add(node.LinkOffset())); err != nil {
			return err
		}
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package decode

import (
	"fmt"
	"math/bits"

	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/schema"
)

// Value is a decoded argument: one of *Null, *Scalar, *Text, *Array,
// *Struct or *Chain.
type Value interface {
	fmt.Stringer
	isValue()
}

// Null is a null pointer.
type Null struct{}

// Scalar is an integer, float, opaque pointer or handle. Bits holds the raw
// value truncated to the scalar's size.
type Scalar struct {
	Kind   schema.Kind
	Handle string
	Bits   uint64
}

// Text is a string.
type Text struct {
	S string
}

// Array holds the elements a pointer refers to. A plain pointer yields a
// single element array.
type Array struct {
	Items []Value
}

// Field is a named value.
type Field struct {
	Name  string
	Value Value
}

// Struct is a struct instance. Chain node links are not part of Fields.
type Struct struct {
	Name   string
	Fields []Field
}

// Chain is a chain of nodes, in link order.
type Chain struct {
	Nodes []*Struct
}

func (*Null) isValue()   {}
func (*Scalar) isValue() {}
func (*Text) isValue()   {}
func (*Array) isValue()  {}
func (*Struct) isValue() {}
func (*Chain) isValue()  {}

// Call is a decoded call.
type Call struct {
	Name string
	Kind uint32
	Args []Field
	// Shadow is the mapped memory content carried by the packet.
	Shadow []byte
}

// Arg returns the named argument.
func (c *Call) Arg(name string) (Value, bool) {
	for _, f := range c.Args {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

type walker struct {
	sch *schema.Schema
	mem memory.Space
}

// imageBase is where Walk places a copy of the packet image. Any non-zero
// address keeps body slot 0 apart from the null pointer.
const imageBase memory.Pointer = 0x1000

// Walk decodes a packet. p is left untouched.
func Walk(sch *schema.Schema, p *packet.Packet) (*Call, error) {
	call, err := sch.Call(p.Kind)
	if err != nil {
		return nil, err
	}
	if uint64(len(p.Body)) != call.BodySize {
		return nil, fmt.Errorf("%v: body of %d bytes: %w", call, len(p.Body), ErrShortBody)
	}
	img := p.Image()
	rel, err := Relocate(sch, call, img, imageBase)
	if err != nil {
		return nil, err
	}
	mem := memory.NewImage(imageBase, img)
	c, err := walk(sch, call, schema.ArgFrame(rel.Args), mem)
	if err != nil {
		return nil, err
	}
	if !rel.Shadow.IsNull() && rel.ShadowLen > 0 {
		data, err := mem.Read(rel.Shadow, rel.ShadowLen)
		if err != nil {
			return nil, fmt.Errorf("%v: mapped memory: %w", call, err)
		}
		c.Shadow = append([]byte(nil), data...)
	}
	return c, nil
}

// Inspect decodes call arguments as they are in the address space mem. For
// an encoded call, it yields the same view as Walk on the packet.
func Inspect(sch *schema.Schema, call *schema.Call, args []uint64, mem memory.Space) (*Call, error) {
	if len(args) != len(call.Args) {
		return nil, fmt.Errorf("%v: %d arguments, want %d", call, len(args), len(call.Args))
	}
	return walk(sch, call, schema.ArgFrame(args), mem)
}

func walk(sch *schema.Schema, call *schema.Call, f schema.Frame, mem memory.Space) (*Call, error) {
	w := walker{sch: sch, mem: mem}
	c := &Call{Name: call.Name, Kind: call.Kind, Args: make([]Field, 0, len(call.Args))}
	for i := range call.Args {
		v, err := w.slot(call.Args, i, f, 0)
		if err != nil {
			return nil, fmt.Errorf("%v: %s: %w", call, call.Args[i].Name, err)
		}
		c.Args = append(c.Args, Field{Name: call.Args[i].Name, Value: v})
	}
	return c, nil
}

func scalar(t *schema.Type, raw uint64) *Scalar {
	return &Scalar{Kind: t.Kind, Handle: t.Handle, Bits: schema.Truncate(raw, t.Size)}
}

func (w *walker) slot(slots []schema.Slot, i int, f schema.Frame, depth int) (Value, error) {
	s := &slots[i]
	raw, err := f.Value(i)
	if err != nil {
		return nil, err
	}
	if !s.Role.IsPointer() {
		return scalar(s.Type, raw), nil
	}
	p := memory.Pointer(raw)
	if p.IsNull() {
		return &Null{}, nil
	}
	switch s.Role {
	case schema.RoleString:
		str, err := memory.ReadString(w.mem, p)
		if err != nil {
			return nil, err
		}
		return &Text{S: str}, nil
	case schema.RoleChain:
		return w.chain(p, depth)
	}
	n, err := schema.Elements(w.mem, slots, i, f)
	if err != nil {
		return nil, err
	}
	if hi, _ := bits.Mul64(n, s.Type.Size); hi != 0 {
		return nil, fmt.Errorf("%d elements of %d bytes: %w", n, s.Type.Size, memory.ErrFault)
	}
	if _, err := w.mem.Read(p, n*s.Type.Size); err != nil {
		return nil, err
	}
	arr := &Array{Items: make([]Value, 0, n)}
	for k := uint64(0); k < n; k++ {
		v, err := w.elem(s.Type, p.Add(k*s.Type.Size), depth)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", k, err)
		}
		arr.Items = append(arr.Items, v)
	}
	return arr, nil
}

func (w *walker) elem(t *schema.Type, p memory.Pointer, depth int) (Value, error) {
	if t.Kind == schema.KindStruct {
		return w.structAt(t.Struct, p, depth+1)
	}
	raw, err := memory.ReadUint(w.mem, p, t.Size)
	if err != nil {
		return nil, err
	}
	return scalar(t, raw), nil
}

func (w *walker) structAt(st *schema.Struct, p memory.Pointer, depth int) (*Struct, error) {
	if depth > schema.MaxDepth {
		return nil, schema.ErrTooDeep
	}
	v := &Struct{Name: st.Name, Fields: make([]Field, 0, len(st.Slots))}
	f := schema.StructFrame{Mem: w.mem, Base: p, Slots: st.Slots}
	for i := range st.Slots {
		s := &st.Slots[i]
		if s.Link {
			continue
		}
		var fv Value
		var err error
		if s.Role == schema.RoleValue && s.Type.Kind == schema.KindStruct {
			fv, err = w.structAt(s.Type.Struct, p.Add(s.Offset), depth+1)
		} else {
			fv, err = w.slot(st.Slots, i, f, depth)
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", st.Name, s.Name, err)
		}
		v.Fields = append(v.Fields, Field{Name: s.Name, Value: fv})
	}
	return v, nil
}

func (w *walker) chain(p memory.Pointer, depth int) (*Chain, error) {
	c := &Chain{}
	for n := 0; !p.IsNull(); n++ {
		if n == schema.MaxChainLength {
			return nil, schema.ErrChainTooLong
		}
		tag, err := memory.ReadU32(w.mem, p)
		if err != nil {
			return nil, err
		}
		node, err := w.sch.Node(tag)
		if err != nil {
			return nil, err
		}
		v, err := w.structAt(node, p, depth+1)
		if err != nil {
			return nil, err
		}
		c.Nodes = append(c.Nodes, v)
		if p, err = memory.ReadPointer(w.mem, p.Add(node.LinkOffset())); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package schema

import (
	"fmt"

	"github.com/cilium/calltrace/pkg/memory"
)

// Kind is the primitive kind of a Type.
type Kind uint8

const (
	KindU8 Kind = iota + 1
	KindU16
	KindU32
	KindU64
	KindI32
	KindI64
	KindF32
	KindF64
	// KindPointer is a pointer-sized value that is never followed.
	KindPointer
	KindHandle
	KindStruct
)

var kindNames = map[Kind]string{
	KindU8:      "u8",
	KindU16:     "u16",
	KindU32:     "u32",
	KindU64:     "u64",
	KindI32:     "i32",
	KindI64:     "i64",
	KindF32:     "f32",
	KindF64:     "f64",
	KindPointer: "ptr",
	KindHandle:  "handle",
	KindStruct:  "struct",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsInteger returns true for kinds usable as element counts.
func (k Kind) IsInteger() bool {
	switch k {
	case KindU8, KindU16, KindU32, KindU64, KindI32, KindI64:
		return true
	}
	return false
}

// Type describes the in-memory layout of a value.
type Type struct {
	Name  string
	Kind  Kind
	Size  uint64
	Align uint64
	// Handle is the handle type name for KindHandle.
	Handle string
	// Struct is the layout for KindStruct.
	Struct *Struct
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind == KindHandle {
		return "handle<" + t.Handle + ">"
	}
	return t.Name
}

func primitive(k Kind, size uint64) *Type {
	return &Type{Name: k.String(), Kind: k, Size: size, Align: size}
}

// Primitive types.
var (
	U8  = primitive(KindU8, 1)
	U16 = primitive(KindU16, 2)
	U32 = primitive(KindU32, 4)
	U64 = primitive(KindU64, 8)
	I32 = primitive(KindI32, 4)
	I64 = primitive(KindI64, 8)
	F32 = primitive(KindF32, 4)
	F64 = primitive(KindF64, 8)
	Ptr = primitive(KindPointer, memory.PointerSize)
)

// HandleOf returns the Type of a handle of the named handle type.
func HandleOf(name string) *Type {
	return &Type{Name: "handle", Kind: KindHandle, Size: 8, Align: 8, Handle: name}
}

// Role is how a slot's value is interpreted when capturing.
type Role uint8

const (
	// RoleValue is a scalar, handle or pointer-free struct stored inline.
	RoleValue Role = iota
	// RoleString is a pointer to a NUL-terminated string.
	RoleString
	// RoleArray is a pointer to Count elements of Type, Count naming a
	// preceding sibling that holds (or points to) the element count.
	RoleArray
	// RoleFixedArray is a pointer to Length elements of Type.
	RoleFixedArray
	// RoleChain is a pointer to the head of a chain of tagged nodes.
	RoleChain
	// RolePointer is a pointer to a single Type.
	RolePointer
)

var roleNames = map[Role]string{
	RoleValue:      "value",
	RoleString:     "string",
	RoleArray:      "array",
	RoleFixedArray: "fixed",
	RoleChain:      "chain",
	RolePointer:    "pointer",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// IsPointer returns true if slots of this role hold a pointer.
func (r Role) IsPointer() bool { return r != RoleValue }

// Slot is an argument of a call or a field of a struct.
type Slot struct {
	Name   string
	Role   Role
	Type   *Type
	Offset uint64
	// Count is the index of the sibling slot holding the element count of a
	// RoleArray slot.
	Count int
	// Length is the element count of a RoleFixedArray slot.
	Length uint64
	// Out marks memory written by the call.
	Out bool
	// Link marks the next field of a chain node.
	Link bool
}

// Size returns the number of bytes the slot occupies in its parent.
func (s *Slot) Size() uint64 {
	if s.Role == RoleValue {
		return s.Type.Size
	}
	return memory.PointerSize
}

func (s *Slot) align() uint64 {
	if s.Role == RoleValue {
		return s.Type.Align
	}
	return memory.PointerSize
}

// IsHandle returns true if the slot holds or points to handles.
func (s *Slot) IsHandle() bool {
	return s.Type != nil && s.Type.Kind == KindHandle
}

// Struct is the layout of a struct type. Nodes are structs that can appear in
// a chain; they start with a 32-bit discriminant followed by the link to the
// next node.
type Struct struct {
	Name  string
	Node  bool
	Tag   uint32
	Size  uint64
	Align uint64
	Slots []Slot
	Type  *Type

	dynamic bool
}

// Dynamic returns true if the struct holds pointers other than a node link,
// i.e. if copying it into a packet requires embedding further content.
func (s *Struct) Dynamic() bool { return s.dynamic }

// LinkOffset returns the offset of the next field of a node.
func (s *Struct) LinkOffset() uint64 { return s.Slots[1].Offset }

// MemoryOp is the effect of a call on mapped-memory tracking.
type MemoryOp uint8

const (
	MemoryNone MemoryOp = iota
	MemoryAlloc
	MemoryMap
	MemoryUnmap
	MemoryFree
)

var memoryOpNames = map[MemoryOp]string{
	MemoryNone:  "none",
	MemoryAlloc: "alloc",
	MemoryMap:   "map",
	MemoryUnmap: "unmap",
	MemoryFree:  "free",
}

func (o MemoryOp) String() string {
	if n, ok := memoryOpNames[o]; ok {
		return n
	}
	return fmt.Sprintf("memory(%d)", uint8(o))
}

// Memory describes the mapped-memory effect of a call. Fields are argument
// indices, -1 when absent.
type Memory struct {
	Op MemoryOp
	// Handle is the memory handle argument. For MemoryAlloc it is the output
	// pointer receiving the new handle.
	Handle int
	// Size is the allocation size (MemoryAlloc) or mapped size (MemoryMap).
	Size int
	// Offset is the mapping offset (MemoryMap).
	Offset int
	// Pointer is the output pointer receiving the mapped address (MemoryMap).
	Pointer int
}

// WholeSize is the mapped size meaning "up to the end of the allocation".
const WholeSize = ^uint64(0)

// SlotSize is the size of every argument slot in a packet body.
const SlotSize = 8

// Call describes one call kind: its arguments and its effects on handles and
// mapped memory. Every argument occupies one SlotSize slot of the packet
// body; calls that unmap memory carry two extra slots holding the reference
// to and the length of the captured mapping content.
type Call struct {
	Kind uint32
	Name string
	Args []Slot
	// Creates is the index of the output argument receiving created
	// handles, or -1.
	Creates int
	// Destroys is the index of the argument holding destroyed handles, or
	// -1.
	Destroys int
	Memory   Memory
	BodySize uint64
}

// HasShadow returns true if packets of this call carry mapped memory content.
func (c *Call) HasShadow() bool { return c.Memory.Op == MemoryUnmap }

// ShadowOffset returns the body offset of the captured content reference.
// The content length follows it.
func (c *Call) ShadowOffset() uint64 { return uint64(len(c.Args)) * SlotSize }

func (c *Call) String() string { return fmt.Sprintf("%s(%d)", c.Name, c.Kind) }

// HandleType is a named handle type. An abstract handle type aliases a list
// of concrete types, probed in order when remapping.
type HandleType struct {
	Name     string
	Concrete []string
}

// Abstract returns true for handle supertypes.
func (h *HandleType) Abstract() bool { return len(h.Concrete) > 0 }

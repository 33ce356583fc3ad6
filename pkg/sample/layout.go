// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package sample

import (
	"encoding/binary"
	"math"

	"github.com/cilium/calltrace/pkg/memory"
)

// Layout places sample API structures into a heap, the way an application
// would build its call arguments.
type Layout struct {
	Heap *memory.Heap
}

func le() binary.ByteOrder { return binary.LittleEndian }

// U32s places a u32 array.
func (l Layout) U32s(vals ...uint32) memory.Pointer {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		le().PutUint32(b[4*i:], v)
	}
	return l.Heap.Map(b)
}

// F32s places an f32 array.
func (l Layout) F32s(vals ...float32) memory.Pointer {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		le().PutUint32(b[4*i:], math.Float32bits(v))
	}
	return l.Heap.Map(b)
}

// U64 places a single u64.
func (l Layout) U64(v uint64) memory.Pointer {
	return l.Heap.Map(binary.LittleEndian.AppendUint64(nil, v))
}

// Slot places an 8 byte output slot.
func (l Layout) Slot() memory.Pointer {
	return l.Heap.Alloc(8)
}

// Count places a u32 count, typically an in/out count of a query call.
func (l Layout) Count(n uint32) memory.Pointer {
	return l.U32s(n)
}

// CString places a NUL-terminated string.
func (l Layout) CString(s string) memory.Pointer {
	return l.Heap.AllocString(s)
}

// BufferInfo places a BufferInfo {size u64, flags u32, next}.
func (l Layout) BufferInfo(size uint64, flags uint32, next memory.Pointer) memory.Pointer {
	b := make([]byte, 24)
	le().PutUint64(b[0:], size)
	le().PutUint32(b[8:], flags)
	le().PutUint64(b[16:], uint64(next))
	return l.Heap.Map(b)
}

// Label is a key/value pair.
type Label struct {
	Key, Value uint32
}

// Labels places a Label array.
func (l Layout) Labels(labels ...Label) memory.Pointer {
	b := make([]byte, 8*len(labels))
	for i, lb := range labels {
		le().PutUint32(b[8*i:], lb.Key)
		le().PutUint32(b[8*i+4:], lb.Value)
	}
	return l.Heap.Map(b)
}

func node(tag uint32, next memory.Pointer, size int) []byte {
	b := make([]byte, size)
	le().PutUint32(b[0:], tag)
	le().PutUint64(b[8:], uint64(next))
	return b
}

// DebugName places a DebugName chain node.
func (l Layout) DebugName(name string, next memory.Pointer) memory.Pointer {
	b := node(TagDebugName, next, 24)
	le().PutUint64(b[16:], uint64(l.CString(name)))
	return l.Heap.Map(b)
}

// Priority places a Priority chain node.
func (l Layout) Priority(p float32, next memory.Pointer) memory.Pointer {
	b := node(TagPriority, next, 24)
	le().PutUint32(b[16:], math.Float32bits(p))
	return l.Heap.Map(b)
}

// Usage places a Usage chain node with its usage array.
func (l Layout) Usage(usages []uint32, next memory.Pointer) memory.Pointer {
	b := node(TagUsage, next, 32)
	le().PutUint32(b[16:], uint32(len(usages)))
	if len(usages) > 0 {
		le().PutUint64(b[24:], uint64(l.U32s(usages...)))
	}
	return l.Heap.Map(b)
}

// Node places a chain node with an arbitrary discriminant.
func (l Layout) Node(tag uint32, next memory.Pointer) memory.Pointer {
	return l.Heap.Map(node(tag, next, 16))
}

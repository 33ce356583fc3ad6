// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package sample

import (
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/schema"
)

// Case is one call with its arguments laid out in a heap.
type Case struct {
	Name string
	Kind uint32
	Args []uint64
	// Dynamic is the number of dynamic bytes the arguments need.
	Dynamic uint64
}

func ptr(p memory.Pointer) uint64 { return uint64(p) }

// Cases lays out one argument set for every call shape of the sample API,
// null pointers and empty arrays included. Handles are arbitrary values.
func Cases(l Layout) []Case {
	const (
		device = 0x10
		buffer = 0x20
		mem    = 0x30
	)
	fullChain := l.DebugName("debug", l.Priority(0.5, l.Usage([]uint32{1, 2}, memory.Null)))
	return []Case{
		{"CreateDevice", KindCreateDevice, []uint64{ptr(l.Slot())}, 8},
		{"DestroyDevice", KindDestroyDevice, []uint64{device}, 0},
		{"CreateBuffer/chain", KindCreateBuffer, []uint64{device, ptr(l.BufferInfo(64, 3, fullChain)), ptr(l.Slot())}, 126},
		{"CreateBuffer/plain", KindCreateBuffer, []uint64{device, ptr(l.BufferInfo(16, 0, memory.Null)), ptr(l.Slot())}, 32},
		{"DestroyBuffer", KindDestroyBuffer, []uint64{device, buffer}, 0},
		{"WriteBuffer/three", KindWriteBuffer, []uint64{buffer, 3, ptr(l.U32s(10, 20, 30))}, 12},
		{"WriteBuffer/empty", KindWriteBuffer, []uint64{buffer, 0, 0}, 0},
		{"AllocateMemory", KindAllocateMemory, []uint64{device, 64, ptr(l.Slot())}, 8},
		{"MapMemory", KindMapMemory, []uint64{device, mem, 0, schema.WholeSize, ptr(l.Slot())}, 8},
		{"UnmapMemory", KindUnmapMemory, []uint64{device, mem}, 0},
		{"FreeMemory", KindFreeMemory, []uint64{device, mem}, 0},
		{"EnumerateQueues/query", KindEnumerateQueues, []uint64{device, ptr(l.Count(0)), 0}, 4},
		{"EnumerateQueues/fetch", KindEnumerateQueues, []uint64{device, ptr(l.Count(2)), ptr(l.Heap.Alloc(16))}, 20},
		{"SetObjectName/named", KindSetObjectName, []uint64{device, buffer, ptr(l.CString("buf"))}, 4},
		{"SetObjectName/null", KindSetObjectName, []uint64{device, buffer, 0}, 0},
		{"SetLabels/full", KindSetLabels, []uint64{device, 2, ptr(l.Labels(Label{1, 2}, Label{3, 4})), ptr(l.DebugName("x", l.Usage(nil, memory.Null)))}, 74},
		{"SetLabels/empty", KindSetLabels, []uint64{device, 0, 0, 0}, 0},
		{"Signal/null", KindSignal, []uint64{device, 5, 0}, 0},
		{"Signal/payload", KindSignal, []uint64{device, 5, ptr(l.U64(3))}, 8},
		{"SetBlendConstants", KindSetBlendConstants, []uint64{device, ptr(l.F32s(1, 0.5, 0.25, 0))}, 16},
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package decode

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/calltrace/pkg/encode"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/sample"
	"github.com/cilium/calltrace/pkg/schema"
	"github.com/cilium/calltrace/pkg/sizer"
)

func encodePacket(t *testing.T, sch *schema.Schema, heap *memory.Heap, kind uint32, args []uint64) *packet.Packet {
	t.Helper()
	call, err := sch.Call(kind)
	require.NoError(t, err)
	n, err := sizer.Estimate(sch, call, args, heap)
	require.NoError(t, err)
	arena := packet.NewArena(call.BodySize, n)
	require.NoError(t, encode.New(sch, heap, arena).Args(call, args))
	p := arena.Packet()
	p.Kind = kind
	return p
}

func TestRoundTrip(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	for _, c := range sample.Cases(sample.Layout{Heap: heap}) {
		t.Run(c.Name, func(t *testing.T) {
			call, err := sch.Call(c.Kind)
			require.NoError(t, err)
			want, err := Inspect(sch, call, c.Args, heap)
			require.NoError(t, err)

			got, err := Walk(sch, encodePacket(t, sch, heap, c.Kind, c.Args))
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("decoded call mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func relocate(t *testing.T, sch *schema.Schema, p *packet.Packet) (*memory.Heap, *Relocation) {
	t.Helper()
	call, err := sch.Call(p.Kind)
	require.NoError(t, err)
	replay := memory.NewHeap()
	img := p.Image()
	base := replay.Alloc(uint64(len(img)))
	r, err := Relocate(sch, call, img, base)
	require.NoError(t, err)
	require.NoError(t, replay.Write(base, img))
	return replay, r
}

func TestRelocateArray(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}
	p := encodePacket(t, sch, heap, sample.KindWriteBuffer, []uint64{0x20, 3, uint64(l.U32s(11, 12, 13))})
	require.Len(t, p.Dynamic, 12)

	replay, r := relocate(t, sch, p)
	assert.Equal(t, 1, r.Refs)
	assert.Equal(t, uint64(3), r.Args[1])
	pData := memory.Pointer(r.Args[2])
	assert.Equal(t, r.Base.Add(24), pData)
	first, err := memory.ReadU32(replay, pData)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), first)
	last, err := memory.ReadU32(replay, pData.Add(8))
	require.NoError(t, err)
	assert.Equal(t, uint32(13), last)

	require.Len(t, r.Sites, 1)
	assert.Equal(t, Site{At: r.Base, Handle: "Buffer", Arg: 0}, r.Sites[0])
}

func TestRelocateChain(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}
	chain := l.DebugName("first", l.Priority(0.25, memory.Null))
	p := encodePacket(t, sch, heap, sample.KindSetLabels, []uint64{0x10, 0, 0, uint64(chain)})

	replay, r := relocate(t, sch, p)
	assert.Equal(t, 3, r.Refs, "two nodes and one string")

	head := memory.Pointer(r.Args[3])
	tag, err := memory.ReadU32(replay, head)
	require.NoError(t, err)
	assert.Equal(t, sample.TagDebugName, tag)
	name, err := memory.ReadPointer(replay, head.Add(16))
	require.NoError(t, err)
	s, err := memory.ReadString(replay, name)
	require.NoError(t, err)
	assert.Equal(t, "first", s)

	next, err := memory.ReadPointer(replay, head.Add(8))
	require.NoError(t, err)
	tag, err = memory.ReadU32(replay, next)
	require.NoError(t, err)
	assert.Equal(t, sample.TagPriority, tag)
	end, err := memory.ReadPointer(replay, next.Add(8))
	require.NoError(t, err)
	assert.True(t, end.IsNull())

	got, err := Walk(sch, p)
	require.NoError(t, err)
	v, ok := got.Arg("pNext")
	require.True(t, ok)
	c, ok := v.(*Chain)
	require.True(t, ok)
	require.Len(t, c.Nodes, 2)
	assert.Equal(t, "DebugName", c.Nodes[0].Name)
	assert.Equal(t, "Priority", c.Nodes[1].Name)
	assert.Equal(t, `Priority{tag=2, priority=0.25}`, c.Nodes[1].String())
}

func TestRelocateHandleSites(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}

	p := encodePacket(t, sch, heap, sample.KindEnumerateQueues, []uint64{0x10, uint64(l.Count(2)), uint64(heap.Alloc(16))})
	_, r := relocate(t, sch, p)
	require.Len(t, r.Sites, 3)
	assert.Equal(t, Site{At: r.Base, Handle: "Device", Arg: 0}, r.Sites[0])
	for i, s := range r.Sites[1:] {
		assert.Equal(t, "Queue", s.Handle)
		assert.True(t, s.Out)
		assert.Equal(t, 2, s.Arg)
		assert.Equal(t, memory.Pointer(r.Args[2]).Add(uint64(i)*8), s.At)
	}

	p = encodePacket(t, sch, heap, sample.KindSetObjectName, []uint64{0x10, 0x20, uint64(l.CString("x"))})
	_, r = relocate(t, sch, p)
	require.Len(t, r.Sites, 2)
	assert.Equal(t, "Object", r.Sites[1].Handle)
	assert.False(t, r.Sites[1].Out)
}

func TestRelocateShadow(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	call, err := sch.Call(sample.KindUnmapMemory)
	require.NoError(t, err)
	arena := packet.NewArena(call.BodySize, 3)
	enc := encode.New(sch, heap, arena)
	require.NoError(t, enc.Args(call, []uint64{0x10, 0x30}))
	require.NoError(t, enc.Shadow(call, []byte{1, 2, 3}))
	p := arena.Packet()
	p.Kind = sample.KindUnmapMemory

	replay, r := relocate(t, sch, p)
	assert.Equal(t, uint64(3), r.ShadowLen)
	data, err := replay.Read(r.Shadow, r.ShadowLen)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	got, err := Walk(sch, p)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Shadow)
	assert.Equal(t, "UnmapMemory(device=Device(0x10), memory=Memory(0x30)) +3 mapped bytes", got.String())
}

func TestRelocateMalformed(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}
	call, err := sch.Call(sample.KindWriteBuffer)
	require.NoError(t, err)
	p := encodePacket(t, sch, heap, sample.KindWriteBuffer, []uint64{0x20, 3, uint64(l.U32s(1, 2, 3))})

	img := p.Image()
	binary.LittleEndian.PutUint64(img[16:], 8)
	_, err = Relocate(sch, call, img, 0x1000)
	require.ErrorIs(t, err, ErrBadRef, "references into the body are invalid")

	img = p.Image()
	binary.LittleEndian.PutUint64(img[8:], 4)
	_, err = Relocate(sch, call, img, 0x1000)
	require.ErrorIs(t, err, memory.ErrFault, "count larger than the embedded array")

	_, err = Relocate(sch, call, img[:8], 0x1000)
	require.ErrorIs(t, err, ErrShortBody)

	short := *p
	short.Body = short.Body[:16]
	_, err = Walk(sch, &short)
	require.ErrorIs(t, err, ErrShortBody)
}

func TestRelocateUnknownDiscriminant(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}
	p := encodePacket(t, sch, heap, sample.KindSetLabels, []uint64{0x10, 0, 0, uint64(l.Priority(1, memory.Null))})
	call, err := sch.Call(sample.KindSetLabels)
	require.NoError(t, err)

	img := p.Image()
	binary.LittleEndian.PutUint32(img[32:], 77)
	_, err = Relocate(sch, call, img, 0x1000)
	require.ErrorIs(t, err, schema.ErrUnknownDiscriminant)
}

func TestFormat(t *testing.T) {
	sch := sample.MustSchema()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}
	info := l.BufferInfo(64, 1, l.Usage([]uint32{4, 5}, memory.Null))
	call, err := sch.Call(sample.KindCreateBuffer)
	require.NoError(t, err)
	c, err := Inspect(sch, call, []uint64{0x1, uint64(info), 0}, heap)
	require.NoError(t, err)
	assert.Equal(t,
		"CreateBuffer(device=Device(0x1), pInfo=[BufferInfo{size=64, flags=1, next=chain[Usage{tag=3, count=2, pUsages=[4, 5]}]}], pBuffer=null)",
		c.String())
}

func TestWalkFirstArgumentStruct(t *testing.T) {
	sch, err := schema.ParseYAML([]byte(`
name: info
structs:
  - name: Info
    fields:
      - {name: size, type: u64}
      - {name: pName, role: string}
calls:
  - kind: 1
    name: Create
    args:
      - {name: pInfo, type: Info, role: pointer}
`))
	require.NoError(t, err)
	heap := memory.NewHeap()
	info := make([]byte, 16)
	binary.LittleEndian.PutUint64(info, 64)
	binary.LittleEndian.PutUint64(info[8:], uint64(heap.AllocString("dev")))
	args := []uint64{uint64(heap.Map(info))}

	call, err := sch.Call(1)
	require.NoError(t, err)
	want, err := Inspect(sch, call, args, heap)
	require.NoError(t, err)

	p := encodePacket(t, sch, heap, 1, args)
	body := append([]byte(nil), p.Body...)
	got, err := Walk(sch, p)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded call mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, body, p.Body, "walk leaves the packet untouched")
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/sample"
	"github.com/cilium/calltrace/pkg/schema"
)

type memSink struct {
	mu      sync.Mutex
	packets []*packet.Packet
	closed  bool
}

func (m *memSink) WritePacket(p *packet.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, p)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) all() []*packet.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*packet.Packet(nil), m.packets...)
}

type fixture struct {
	heap   *memory.Heap
	layout sample.Layout
	driver *sample.Driver
	sink   *memSink
	sess   *Session
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	heap := memory.NewHeap()
	f := &fixture{
		heap:   heap,
		layout: sample.Layout{Heap: heap},
		driver: sample.NewDriver(heap, sample.WithLogger(logger.Discard())),
		sink:   &memSink{},
	}
	open := func(context.Context, uuid.UUID) (packet.Sink, error) { return f.sink, nil }
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	f.sess = New(sample.MustSchema(), heap, open, opts...)
	require.NoError(t, f.sess.Init(context.Background()))
	return f
}

func (f *fixture) call(t *testing.T, kind uint32, args ...uint64) uint64 {
	t.Helper()
	c, err := f.sess.Schema().Call(kind)
	require.NoError(t, err)
	ctx := context.Background()
	result, err := f.sess.Call(ctx, kind, args, func() (uint64, error) {
		return f.driver.Invoke(ctx, c, args)
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) device(t *testing.T) uint64 {
	t.Helper()
	slot := f.layout.Slot()
	require.Equal(t, sample.Success, f.call(t, sample.KindCreateDevice, uint64(slot)))
	h, err := memory.ReadU64(f.heap, slot)
	require.NoError(t, err)
	return h
}

func TestCapturePacketHeader(t *testing.T) {
	id := uuid.MustParse("4b9c5a6e-17d2-4a3e-9d62-3c1f0e8b2a77")
	now := time.Unix(1700000000, 42)
	f := newFixture(t, WithSessionID(id), WithClock(func() time.Time { return now }))

	dev := f.device(t)
	ctx := WithThread(context.Background(), 7)
	_, err := f.sess.Call(ctx, sample.KindSignal, []uint64{dev, 9, 0}, func() (uint64, error) {
		return sample.Success, nil
	})
	require.NoError(t, err)

	packets := f.sink.all()
	require.Len(t, packets, 2)
	p := packets[1]
	assert.Equal(t, uint64(2), p.ID)
	assert.Equal(t, sample.KindSignal, p.Kind)
	assert.Equal(t, id, p.Session)
	assert.Equal(t, now.UnixNano(), p.Timestamp)
	assert.Equal(t, uint64(7), p.Thread)
	assert.Equal(t, packet.Flags(0), p.Flags)
	assert.Empty(t, p.Dynamic)

	v, err := p.Slot(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
	v, err = p.Slot(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v, "null pointer stored as null reference")

	st := f.sess.Stats()
	assert.Equal(t, uint64(2), st.Captured)
	assert.Equal(t, uint64(0), st.Dropped)
}

func TestCaptureMappedMemory(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t)

	pMem := f.layout.Slot()
	require.Equal(t, sample.Success, f.call(t, sample.KindAllocateMemory, dev, 16, uint64(pMem)))
	mem, err := memory.ReadU64(f.heap, pMem)
	require.NoError(t, err)
	entry, ok := f.sess.Shadow().Lookup(mem)
	require.True(t, ok)
	assert.Equal(t, uint64(16), entry.Size)

	ppData := f.layout.Slot()
	require.Equal(t, sample.Success, f.call(t, sample.KindMapMemory, dev, mem, 0, schema.WholeSize, uint64(ppData)))
	data, err := memory.ReadPointer(f.heap, ppData)
	require.NoError(t, err)
	entry, _ = f.sess.Shadow().Lookup(mem)
	assert.Equal(t, data, entry.Pointer)
	assert.Equal(t, uint64(16), entry.MappedSize)

	content := []byte("abcdefghijklmnop")
	require.NoError(t, f.heap.Write(data, content[:8]))
	// Later writes are still seen: content is taken at unmap time.
	require.NoError(t, f.heap.Write(data.Add(8), content[8:]))

	require.Equal(t, sample.Success, f.call(t, sample.KindUnmapMemory, dev, mem))
	packets := f.sink.all()
	p := packets[len(packets)-1]
	assert.NotZero(t, p.Flags&packet.FlagShadow)
	assert.Equal(t, content, p.Dynamic)

	c, _ := f.sess.Schema().Call(sample.KindUnmapMemory)
	ref, err := p.Slot(len(c.Args))
	require.NoError(t, err)
	assert.Equal(t, c.BodySize, ref)
	n, err := p.Slot(len(c.Args) + 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)

	entry, _ = f.sess.Shadow().Lookup(mem)
	assert.False(t, entry.Mapped())

	require.Equal(t, sample.Success, f.call(t, sample.KindFreeMemory, dev, mem))
	_, ok = f.sess.Shadow().Lookup(mem)
	assert.False(t, ok)
}

func TestCaptureUnmapUntracked(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t)
	_, err := f.sess.Call(context.Background(), sample.KindUnmapMemory, []uint64{dev, 0x99}, func() (uint64, error) {
		return sample.ErrorInvalidHandle, nil
	})
	require.NoError(t, err)
	packets := f.sink.all()
	p := packets[len(packets)-1]
	assert.Zero(t, p.Flags&packet.FlagShadow)
	assert.Empty(t, p.Dynamic)
	assert.Equal(t, sample.ErrorInvalidHandle, p.Result)
}

func TestCaptureOutgrowsEstimate(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t)

	pCount := f.layout.Count(1)
	pQueues := f.heap.Alloc(16)
	args := []uint64{dev, uint64(pCount), uint64(pQueues)}
	b, err := f.sess.BeginCall(context.Background(), sample.KindEnumerateQueues, args)
	require.NoError(t, err)
	assert.Equal(t, uint64(4+8), b.Estimate)

	// A misbehaving implementation writes past the capacity it was offered.
	require.NoError(t, memory.WriteUint(f.heap, pCount, 4, 2))
	require.NoError(t, memory.WriteU64(f.heap, pQueues, 0x100))
	require.NoError(t, memory.WriteU64(f.heap, pQueues.Add(8), 0x101))

	p, err := f.sess.FinishCall(context.Background(), b, sample.Success)
	require.NoError(t, err)
	assert.NotZero(t, p.Flags&packet.FlagSuspect)
	assert.Len(t, p.Dynamic, 4+16)
	assert.Equal(t, uint64(0x101), binary.LittleEndian.Uint64(p.Dynamic[4+8:]))
	assert.Equal(t, uint64(1), f.sess.Stats().Suspect)
}

func TestCaptureOutgrowsLimit(t *testing.T) {
	// Room for a two-queue enumeration and nothing more.
	f := newFixture(t, WithMaxPacketSize(packet.HeaderSize+24+4+16))
	dev := f.device(t)

	pCount := f.layout.Count(2)
	pQueues := f.heap.Alloc(32)
	args := []uint64{dev, uint64(pCount), uint64(pQueues)}
	b, err := f.sess.BeginCall(context.Background(), sample.KindEnumerateQueues, args)
	require.NoError(t, err)

	require.NoError(t, memory.WriteUint(f.heap, pCount, 4, 4))
	_, err = f.sess.FinishCall(context.Background(), b, sample.Success)
	require.ErrorIs(t, err, ErrAllocation)
	assert.Len(t, f.sink.all(), 1)
	assert.Equal(t, uint64(1), f.sess.Stats().Dropped)

	require.NoError(t, memory.WriteUint(f.heap, pCount, 4, 2))
	ctx := context.Background()
	result, err := f.sess.Call(ctx, sample.KindEnumerateQueues, args, func() (uint64, error) {
		require.NoError(t, memory.WriteUint(f.heap, pCount, 4, 4))
		return sample.Success, nil
	})
	require.ErrorIs(t, err, ErrCapture)
	require.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, sample.Success, result, "the result of a call that ran is kept")
	assert.Len(t, f.sink.all(), 1)
	assert.Equal(t, uint64(2), f.sess.Stats().Dropped)
}

func TestCaptureQueryThenFetch(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t)

	pCount := f.layout.Count(0)
	require.Equal(t, sample.Success, f.call(t, sample.KindEnumerateQueues, dev, uint64(pCount), 0))
	n, err := memory.ReadU32(f.heap, pCount)
	require.NoError(t, err)
	require.NotZero(t, n)

	pQueues := f.heap.Alloc(8 * uint64(n))
	require.Equal(t, sample.Success, f.call(t, sample.KindEnumerateQueues, dev, uint64(pCount), uint64(pQueues)))
	for _, p := range f.sink.all() {
		assert.Zero(t, p.Flags&packet.FlagSuspect, "packet %v", p)
	}
}

func TestCaptureAllocationFailure(t *testing.T) {
	f := newFixture(t, WithMaxPacketSize(packet.HeaderSize+64))
	dev := f.device(t)

	called := false
	_, err := f.sess.Call(context.Background(), sample.KindWriteBuffer,
		[]uint64{0x20, 64, uint64(f.heap.Alloc(256))},
		func() (uint64, error) {
			called = true
			return sample.Success, nil
		})
	require.ErrorIs(t, err, ErrAllocation)
	assert.False(t, called)
	assert.Len(t, f.sink.all(), 1)

	_, err = f.sess.BeginCall(context.Background(), 999, []uint64{dev})
	require.ErrorIs(t, err, ErrAllocation)
	require.ErrorIs(t, err, schema.ErrUnknownKind)
}

func TestCaptureUnknownDiscriminant(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t)

	chain := f.layout.DebugName("x", memory.Null)
	_, err := f.sess.BeginCall(context.Background(), sample.KindSetLabels, []uint64{dev, 0, 0, uint64(f.layout.Node(77, memory.Null))})
	require.ErrorIs(t, err, ErrAllocation)
	require.ErrorIs(t, err, schema.ErrUnknownDiscriminant)

	// The chain is corrupted by the call itself.
	b, err := f.sess.BeginCall(context.Background(), sample.KindSetLabels, []uint64{dev, 0, 0, uint64(chain)})
	require.NoError(t, err)
	require.NoError(t, memory.WriteUint(f.heap, chain, 4, 77))
	_, err = f.sess.FinishCall(context.Background(), b, sample.Success)
	require.ErrorIs(t, err, schema.ErrUnknownDiscriminant)

	assert.Len(t, f.sink.all(), 1)
	assert.Equal(t, uint64(2), f.sess.Stats().Dropped)
}

func TestCaptureConcurrent(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t)

	const workers, calls = 8, 50
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithThread(context.Background(), uint64(w))
			for i := range calls {
				_, err := f.sess.Call(ctx, sample.KindSignal, []uint64{dev, uint64(i), 0}, func() (uint64, error) {
					return sample.Success, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	packets := f.sink.all()
	require.Len(t, packets, 1+workers*calls)
	seen := make(map[uint64]bool)
	for _, p := range packets {
		assert.False(t, seen[p.ID], "duplicate id %d", p.ID)
		seen[p.ID] = true
	}
	for id := uint64(1); id <= 1+workers*calls; id++ {
		assert.True(t, seen[id], "missing id %d", id)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	require.NotEqual(t, uuid.Nil, f.sess.ID())
	require.NoError(t, f.sess.Init(context.Background()))

	require.NoError(t, f.sess.Teardown())
	assert.True(t, f.sink.closed)
	require.NoError(t, f.sess.Teardown())

	_, err := f.sess.BeginCall(context.Background(), sample.KindSignal, []uint64{1, 0, 0})
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionOpenFailure(t *testing.T) {
	opened := 0
	errDown := errors.New("collector down")
	open := func(context.Context, uuid.UUID) (packet.Sink, error) {
		opened++
		return nil, errDown
	}
	s := New(sample.MustSchema(), memory.NewHeap(), open, WithLogger(logger.Discard()))
	for range 2 {
		_, err := s.BeginCall(context.Background(), sample.KindSignal, []uint64{1, 0, 0})
		require.ErrorIs(t, err, ErrAllocation)
		require.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, 1, opened)
	require.NoError(t, s.Teardown())
}

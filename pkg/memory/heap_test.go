// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocReadWrite(t *testing.T) {
	h := NewHeap()
	p := h.Alloc(16)
	require.False(t, p.IsNull())

	require.NoError(t, WriteU64(h, p.Add(8), 0xdeadbeef))
	v, err := ReadU64(h, p.Add(8))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	// out of bounds accesses fault
	_, err = h.Read(p.Add(12), 8)
	require.ErrorIs(t, err, ErrFault)
	_, err = h.Read(Null, 1)
	require.ErrorIs(t, err, ErrNullPointer)
}

func TestHeapAllocationsDoNotOverlap(t *testing.T) {
	h := NewHeap()
	a := h.Alloc(100)
	b := h.Alloc(1)
	assert.Greater(t, uint64(b), uint64(a)+100)
	assert.Equal(t, 2, h.Len())

	require.NoError(t, h.Free(a))
	assert.Equal(t, 1, h.Len())
	require.Error(t, h.Free(a))

	// freed memory faults, the address is not handed out again
	_, err := h.Read(a, 1)
	require.ErrorIs(t, err, ErrFault)
	c := h.Alloc(100)
	assert.NotEqual(t, a, c)
}

func TestHeapStrings(t *testing.T) {
	h := NewHeap()
	p := h.AllocString("hello")
	n, err := Strlen(h, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	s, err := ReadString(h, p.Add(1))
	require.NoError(t, err)
	assert.Equal(t, "ello", s)

	unterminated := h.Map([]byte("abc"))
	_, err = Strlen(h, unterminated)
	require.ErrorIs(t, err, ErrFault)
}

func TestImage(t *testing.T) {
	img := NewImage(0x1000, []byte{1, 0, 0, 0, 'h', 'i', 0})
	v, err := ReadU32(img, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	s, err := ReadString(img, 0x1004)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	_, err = img.Read(0x0fff, 1)
	require.ErrorIs(t, err, ErrFault)
	_, err = img.Read(0x1005, 8)
	require.ErrorIs(t, err, ErrFault)

	require.NoError(t, img.Write(0x1000, []byte{7}))
	assert.Equal(t, byte(7), img.Bytes()[0])
}

func TestEncodeDecodeUint(t *testing.T) {
	want := map[uint64]uint64{
		1: 0x08,
		2: 0x0708,
		4: 0x05060708,
		8: 0x0102030405060708,
	}
	b := make([]byte, 8)
	for size, expected := range want {
		require.NoError(t, EncodeUint(b, size, 0x0102030405060708))
		v, err := DecodeUint(b, size)
		require.NoError(t, err)
		assert.Equal(t, expected, v, "size %d", size)
	}
	require.Error(t, EncodeUint(b, 3, 0))
	_, err := DecodeUint(b[:2], 4)
	require.Error(t, err)
}

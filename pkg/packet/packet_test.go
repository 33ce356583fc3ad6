// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package packet

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacket(id uint64) *Packet {
	return &Packet{
		ID:        id,
		Kind:      5,
		Flags:     FlagSuspect,
		Session:   uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Timestamp: 1700000000123456789,
		Thread:    77,
		Result:    1,
		Body:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Dynamic:   []byte{9, 10, 11},
	}
}

func TestFrame(t *testing.T) {
	p := testPacket(3)
	data, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, HeaderSize+11)
	assert.Equal(t, []byte("CTP1"), data[:4])

	var q Packet
	require.NoError(t, q.UnmarshalBinary(data))
	if diff := cmp.Diff(p, &q); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}

	data[0] = 'X'
	require.ErrorIs(t, q.UnmarshalBinary(data), ErrBadMagic)
	data[0] = 'C'
	require.ErrorIs(t, q.UnmarshalBinary(data[:len(data)-1]), ErrMalformed)

	big := &Packet{Dynamic: make([]byte, MaxFrameSize)}
	_, err = big.MarshalBinary()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(b)
}

func TestStream(t *testing.T) {
	var out countingWriter
	w := NewWriter(&out)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, w.WritePacket(testPacket(i)))
	}
	assert.Equal(t, 3, out.writes, "one write per frame")

	r := NewReader(bytes.NewReader(out.Bytes()))
	for i := uint64(1); i <= 3; i++ {
		p, err := r.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, i, p.ID)
		assert.Equal(t, []byte{9, 10, 11}, p.Dynamic)
	}
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, io.EOF)

	truncated := NewReader(bytes.NewReader(out.Bytes()[:out.Len()-2]))
	_, err = truncated.ReadPacket()
	require.NoError(t, err)
	_, err = truncated.ReadPacket()
	require.NoError(t, err)
	_, err = truncated.ReadPacket()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCopy(t *testing.T) {
	var src, dst bytes.Buffer
	w := NewWriter(&src)
	require.NoError(t, w.WritePacket(testPacket(1)))
	require.NoError(t, w.WritePacket(testPacket(2)))

	n, err := Copy(NewWriter(&dst), NewReader(&src))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2*(HeaderSize+11), dst.Len())
}

func TestArena(t *testing.T) {
	a := NewArena(16, 12)
	assert.Equal(t, uint64(16), a.BodyLen())

	ref, err := a.Embed([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, Ref(16), ref)
	require.NoError(t, a.SetRef(8, ref))
	require.ErrorIs(t, a.SetRef(8, ref), ErrRefRewritten)

	inner, err := a.Embed(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, Ref(20), inner)
	require.NoError(t, a.SetRef(uint64(inner), ref))

	_, err = a.Embed([]byte{1})
	require.ErrorIs(t, err, ErrOverflow)
	require.ErrorIs(t, a.SetRef(26, ref), ErrOutOfBounds)

	require.NoError(t, a.PutUint(0, 4, 0xdeadbeef))
	assert.Equal(t, uint64(12), a.Embedded())
	assert.Equal(t, 2, a.Refs())

	v, err := a.Uint(8, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)
	v, err = a.Uint(uint64(inner), 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)
	v, err = a.Uint(0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)
	_, err = a.Uint(24, 8)
	require.ErrorIs(t, err, ErrOutOfBounds)

	p := a.Packet()
	assert.Len(t, p.Body, 16)
	assert.Len(t, p.Dynamic, 12)
	assert.Equal(t, append(p.Body, p.Dynamic...), p.Image())
}

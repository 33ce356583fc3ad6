// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/sample"
	"github.com/cilium/calltrace/pkg/session"
)

type sliceSink []*packet.Packet

func (s *sliceSink) WritePacket(p *packet.Packet) error {
	*s = append(*s, p)
	return nil
}

func capture(t *testing.T, result uint64) *packet.Packet {
	t.Helper()
	heap := memory.NewHeap()
	l := sample.Layout{Heap: heap}
	var sink sliceSink
	open := func(context.Context, uuid.UUID) (packet.Sink, error) { return &sink, nil }
	sess := session.New(sample.MustSchema(), heap, open,
		session.WithLogger(logger.Discard()),
		session.WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	args := []uint64{9, 3, uint64(l.U32s(1, 2, 3))}
	_, err := sess.Call(context.Background(), sample.KindWriteBuffer, args, func() (uint64, error) {
		return result, nil
	})
	require.NoError(t, err)
	require.Len(t, sink, 1)
	return sink[0]
}

func TestCompactEncoder(t *testing.T) {
	var out bytes.Buffer
	e := NewCompactEncoder(&out, sample.MustSchema(), Never, false)
	require.NoError(t, e.Encode(capture(t, sample.Success)))

	line := out.String()
	assert.True(t, strings.HasPrefix(line, "#1 t0 WriteBuffer("), line)
	assert.Contains(t, line, "buffer=Buffer(0x9)")
	assert.Contains(t, line, "pData=[1, 2, 3]")
	assert.True(t, strings.HasSuffix(line, ") = 0\n"), line)
}

func TestCompactEncoderFailureAndTimestamps(t *testing.T) {
	var out bytes.Buffer
	e := NewCompactEncoder(&out, sample.MustSchema(), Never, true)
	require.NoError(t, e.Encode(capture(t, sample.ErrorInvalidHandle)))
	assert.True(t, strings.HasPrefix(out.String(), "2023-11-14T22:13:20.000000000Z #1"), out.String())
	assert.True(t, strings.HasSuffix(out.String(), " = 1\n"), out.String())
}

func TestCompactEncoderUndecodable(t *testing.T) {
	var out bytes.Buffer
	e := NewCompactEncoder(&out, sample.MustSchema(), Never, false)
	p := capture(t, sample.Success)
	p.Kind = 999
	err := e.Encode(p)
	require.ErrorIs(t, err, ErrUndecodable)
	assert.True(t, strings.HasPrefix(out.String(), "#1 t0 kind=999 "), out.String())
}

func TestJSONEncoder(t *testing.T) {
	var out bytes.Buffer
	e := NewJSONEncoder(&out, sample.MustSchema())
	p := capture(t, sample.Success)
	require.NoError(t, e.Encode(p))

	var got jsonPacket
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "WriteBuffer", got.Call)
	assert.Equal(t, "3", got.Args["count"])
	assert.Equal(t, "[1, 2, 3]", got.Args["pData"])
	assert.Equal(t, p.Size(), got.Size)
	assert.Equal(t, p.Session.String(), got.Session)
	assert.Empty(t, got.Error)

	out.Reset()
	p.Kind = 999
	require.ErrorIs(t, e.Encode(p), ErrUndecodable)
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.NotEmpty(t, got.Error)
}

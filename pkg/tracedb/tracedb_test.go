// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package tracedb

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/cilium/calltrace/pkg/packet"
)

func stream(t *testing.T, first, n int, kind func(i int) uint32) *packet.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := packet.NewWriter(&buf)
	for i := first; i < first+n; i++ {
		require.NoError(t, w.WritePacket(&packet.Packet{
			ID:      uint64(i),
			Kind:    kind(i),
			Result:  uint64(i % 3),
			Body:    make([]byte, 16),
			Dynamic: []byte{byte(i)},
		}))
	}
	return packet.NewReader(&buf)
}

func byParity(i int) uint32 { return uint32(1 + i%2) }

func open(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "trace.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestImportAndGet(t *testing.T) {
	db := open(t)
	n, err := db.Import(context.Background(), stream(t, 1, 600, byParity))
	require.NoError(t, err)
	assert.Equal(t, 600, n)

	total, err := db.Len()
	require.NoError(t, err)
	assert.Equal(t, 600, total)

	for _, id := range []uint64{1, 300, 600, 300} {
		p, err := db.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, p.ID)
		assert.Equal(t, []byte{byte(id)}, p.Dynamic)
	}
	_, err = db.Get(601)
	require.ErrorIs(t, err, ErrNotFound)

	counts, err := db.KindCounts()
	require.NoError(t, err)
	assert.Equal(t, []KindCount{{Kind: 1, Count: 300}, {Kind: 2, Count: 300}}, counts)

	ids, err := db.IDs(2)
	require.NoError(t, err)
	require.Len(t, ids, 300)
	assert.Equal(t, uint64(1), ids[0])
	assert.Equal(t, uint64(599), ids[len(ids)-1])

	require.NoError(t, db.Verify())
}

func TestImportDuplicate(t *testing.T) {
	db := open(t)
	_, err := db.Import(context.Background(), stream(t, 1, 10, byParity))
	require.NoError(t, err)
	_, err = db.Import(context.Background(), stream(t, 5, 10, byParity))
	require.ErrorIs(t, err, ErrDuplicate)

	total, err := db.Len()
	require.NoError(t, err)
	assert.Equal(t, 10, total, "failed batch is rolled back")
}

func TestStreamDigest(t *testing.T) {
	a, b := open(t), open(t)
	_, err := a.Import(context.Background(), stream(t, 1, 20, byParity))
	require.NoError(t, err)
	_, err = b.Import(context.Background(), stream(t, 1, 20, byParity))
	require.NoError(t, err)

	da, err := a.StreamDigest()
	require.NoError(t, err)
	db, err := b.StreamDigest()
	require.NoError(t, err)
	assert.Len(t, da, 32)
	assert.Equal(t, da, db)

	_, err = b.Import(context.Background(), stream(t, 21, 1, byParity))
	require.NoError(t, err)
	db, err = b.StreamDigest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	db := open(t)
	_, err := db.Import(context.Background(), stream(t, 1, 3, byParity))
	require.NoError(t, err)

	require.NoError(t, db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackets)
		frame := bytes.Clone(b.Get(idKey(2)))
		frame[len(frame)-1] ^= 0xff
		return b.Put(idKey(2), frame)
	}))
	require.ErrorIs(t, db.Verify(), ErrCorrupt)
}

func TestImportCancel(t *testing.T) {
	db := open(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := db.Import(ctx, stream(t, 1, 5, byParity))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package exporter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/recording"
)

func writePackets(t *testing.T, s *Sink, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, s.WritePacket(&packet.Packet{
			ID:        uint64(i + 1),
			Kind:      1,
			Timestamp: 1700000000e9,
			Body:      make([]byte, 8),
		}))
	}
}

func readIDs(t *testing.T, path string) []uint64 {
	t.Helper()
	src, err := recording.OpenSource(path)
	require.NoError(t, err)
	defer src.Close()
	var ids []uint64
	for {
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			return ids
		}
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
}

func TestFileSink(t *testing.T) {
	for name, cfg := range map[string]FileConfig{
		"plain": {},
		"zstd":  {Zstd: true},
		"rotate": {
			MaxSizeMB:  1,
			MaxBackups: 2,
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg.Path = filepath.Join(t.TempDir(), "trace.ctp")
			before := testutil.ToFloat64(packetsExportedTotal)
			s, err := NewFileSink(context.Background(), cfg)
			require.NoError(t, err)
			writePackets(t, s, 10)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.WritePacket(&packet.Packet{}), os.ErrClosed)

			assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, readIDs(t, cfg.Path))
			assert.Equal(t, before+10, testutil.ToFloat64(packetsExportedTotal))
			assert.Equal(t, float64(1700000000), testutil.ToFloat64(packetsExportTimestamp))
		})
	}
}

func TestFileSinkRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.ctp")
	s, err := NewFileSink(context.Background(), FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 3})
	require.NoError(t, err)
	writePackets(t, s, 3)
	require.NoError(t, s.Rotate())
	writePackets(t, s, 2)
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	total := 0
	for _, e := range entries {
		total += len(readIDs(t, filepath.Join(dir, e.Name())))
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, []uint64{1, 2}, readIDs(t, path))
}

func TestFileSinkConfig(t *testing.T) {
	_, err := NewFileSink(context.Background(), FileConfig{
		Path:      filepath.Join(t.TempDir(), "trace.ctp"),
		Zstd:      true,
		MaxSizeMB: 10,
	})
	require.ErrorIs(t, err, ErrRotateCompressed)
}

func TestCreateFileKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.ctp")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	f, err := CreateFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestByteCounterWriter(t *testing.T) {
	before := testutil.ToFloat64(packetsExportedBytesTotal)
	w := NewExportedBytesTotalWriter(io.Discard)
	n, err := w.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, before+100, testutil.ToFloat64(packetsExportedBytesTotal))
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/calltrace/pkg/pidfile"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	var out bytes.Buffer
	cmd := New()
	cmd.SetOut(&out)
	cmd.SetArgs(append(args, "--log-level=error"))
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestDemoDumpReplay(t *testing.T) {
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace.ctp")

	out := run(t, "demo", "--threads=2", "--export-filename="+trace, "--export-file-max-size-mb=0")
	assert.Contains(t, out, "captured: 26\n")
	assert.Contains(t, out, "dropped: 0\n")

	out = run(t, "stats", trace)
	assert.Contains(t, out, "26 packets")
	assert.Contains(t, out, "2 threads")
	assert.Regexp(t, `EnumerateQueues\s+4\s`, out)

	out = run(t, "dump", trace, "--color=never", "--dump-calls=UnmapMemory")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "UnmapMemory(")
	assert.Contains(t, lines[0], "mapped bytes")

	out = run(t, "replay", trace)
	assert.Contains(t, out, "replayed: 26\n")
	assert.Contains(t, out, "dropped: 0\n")
	assert.Contains(t, out, "result mismatches: 0\n")
}

func TestDemoZstdIndex(t *testing.T) {
	dir := t.TempDir()
	trace := filepath.Join(dir, "trace.ctp.zst")
	db := filepath.Join(dir, "trace.db")

	run(t, "demo", "--export-filename="+trace, "--export-zstd")

	out := run(t, "index", "import", trace, "--index-file="+db)
	assert.Contains(t, out, ": 13 packets\n")
	assert.Contains(t, out, "digest: ")

	out = run(t, "index", "verify", "--index-file="+db)
	assert.Equal(t, "13 packets verified\n", out)

	out = run(t, "index", "get", "1", "--index-file="+db, "--color=never")
	assert.Contains(t, out, " #1 t1 CreateDevice(")
}

func TestDemoLiveReplay(t *testing.T) {
	out := run(t, "demo", "--replay")
	assert.Contains(t, out, "captured: 13\n")
	assert.Contains(t, out, "replayed: 13\n")
	assert.Contains(t, out, "result mismatches: 0\n")
}

func TestSchemaAndVersion(t *testing.T) {
	out := run(t, "schema", "print")
	assert.True(t, strings.HasPrefix(out, "name: toy\n"), out)

	out = run(t, "version")
	assert.True(t, strings.HasPrefix(out, "calltrace version: "), out)
}

func TestServePidFileInUse(t *testing.T) {
	pid := filepath.Join(t.TempDir(), "calltrace.pid")
	// pid 1 is always running
	require.NoError(t, os.WriteFile(pid, []byte("1\n"), 0o644))

	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := New()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "--pid-file=" + pid, "--server-address=127.0.0.1:0", "--export-filename=" + pid + ".ctp", "--log-level=error"})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, pidfile.ErrPidIsStillAlive)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package collector

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/packet"
)

type collected struct {
	mu      sync.Mutex
	packets []*packet.Packet
}

func (c *collected) Notify(_ context.Context, p *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
	return nil
}

func (c *collected) Close() error { return nil }

func (c *collected) ids() map[uint64]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[uint64]bool)
	for _, p := range c.packets {
		ids[p.ID] = true
	}
	return ids
}

func startServer(t *testing.T) (*Server, *collected, []grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	c := &collected{}
	srv := NewServer(c, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	opts := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return srv, c, opts
}

func TestRecordStream(t *testing.T) {
	srv, c, opts := startServer(t)
	session := uuid.New()

	client, err := Dial(context.Background(), "passthrough:///bufnet", opts...)
	require.NoError(t, err)
	for i := range 20 {
		require.NoError(t, client.WritePacket(&packet.Packet{
			ID:      uint64(i + 1),
			Kind:    3,
			Session: session,
			Body:    make([]byte, 24),
			Dynamic: []byte("dynamic"),
		}))
	}
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.packets, 20)
	assert.Equal(t, session, c.packets[7].Session)
	assert.Equal(t, []byte("dynamic"), c.packets[7].Dynamic)
	assert.Equal(t, uint64(20), srv.Packets())
	assert.Equal(t, uint64(1), srv.Streams())
}

func TestRecordConcurrentStreams(t *testing.T) {
	srv, c, opts := startServer(t)

	var wg sync.WaitGroup
	for s := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := Dial(context.Background(), "passthrough:///bufnet", opts...)
			if !assert.NoError(t, err) {
				return
			}
			for i := range 10 {
				assert.NoError(t, client.WritePacket(&packet.Packet{ID: uint64(s*100 + i)}))
			}
			assert.NoError(t, client.Close())
		}()
	}
	wg.Wait()
	assert.Len(t, c.ids(), 40)
	assert.Equal(t, uint64(4), srv.Streams())
}

func TestHealth(t *testing.T) {
	_, c, opts := startServer(t)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	defer conn.Close()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	client, err := Dial(context.Background(), "passthrough:///bufnet", opts...)
	require.NoError(t, err)
	require.NoError(t, client.WritePacket(&packet.Packet{ID: 1}))
	require.NoError(t, client.Close())
	assert.Len(t, c.ids(), 1)

	resp, err = grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestSplitListenAddr(t *testing.T) {
	network, addr, err := SplitListenAddr("unix:///run/calltrace.sock")
	require.NoError(t, err)
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/run/calltrace.sock", addr)

	_, _, err = SplitListenAddr("unix://relative.sock")
	require.Error(t, err)

	network, addr, err = SplitListenAddr("localhost:54321")
	require.NoError(t, err)
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "localhost:54321", addr)
}

func TestListenUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.sock")
	lis, err := Listen("unix://"+path, 0660)
	require.NoError(t, err)
	defer lis.Close()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn.Close()
}

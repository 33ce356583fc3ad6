// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupInit(t *testing.T) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "test",
		Name:      "group_total",
		Help:      "Test counter.",
	}, []string{"op"})
	g := NewGroup()
	g.MustRegister(c)
	g.OnInit(func() { c.WithLabelValues("a") })
	g.OnInit(func() { c.WithLabelValues("b") })
	g.OnInit(nil)

	assert.Equal(t, 0, testutil.CollectAndCount(g))
	g.Init()
	assert.Equal(t, 2, testutil.CollectAndCount(g))
	assert.Error(t, g.Register(c))
	assert.True(t, g.Unregister(c))
}

func TestServe(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "test",
		Name:      "served_total",
		Help:      "Test counter.",
	})
	g := NewGroup()
	g.MustRegister(c)
	require.NoError(t, RegisterGroups(g))
	c.Add(3)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, strings.Contains(body, "test_served_total 3"), body)

	cancel()
	assert.NoError(t, <-errCh)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package collector transports packet streams over gRPC. Capture sessions
// stream their packets to a collector, which hands them to a listener.
package collector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	gh "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/recording"
)

const (
	serviceName = "calltrace.v1.Collector"
	recordName  = "Record"
	// HealthService is the service name reported to gRPC health checks.
	HealthService = "collector"
)

// collectorServer is the interface implemented by the service handler.
type collectorServer interface {
	record(grpc.ServerStream) error
}

func recordHandler(srv any, stream grpc.ServerStream) error {
	return srv.(collectorServer).record(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*collectorServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    recordName,
			Handler:       recordHandler,
			ClientStreams: true,
		},
	},
	Metadata: "calltrace/v1/collector.proto",
}

// Server receives packet streams and passes every packet to a listener.
// Packets of concurrent streams are serialized.
type Server struct {
	mu       sync.Mutex
	listener recording.Listener
	log      logger.FieldLogger
	packets  atomic.Uint64
	streams  atomic.Uint64
}

// NewServer returns a server notifying l.
func NewServer(l recording.Listener, log logger.FieldLogger) *Server {
	return &Server{listener: l, log: log}
}

// Register registers the collector service on s.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Packets returns the number of packets received.
func (s *Server) Packets() uint64 { return s.packets.Load() }

// Streams returns the number of streams completed.
func (s *Server) Streams() uint64 { return s.streams.Load() }

func (s *Server) record(stream grpc.ServerStream) error {
	ctx := stream.Context()
	var n uint64
	for {
		var f frame
		err := stream.RecvMsg(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		var p packet.Packet
		if err := p.UnmarshalBinary(f.data); err != nil {
			s.log.Warn("Received malformed frame", logfields.Error, err)
			return err
		}
		s.mu.Lock()
		err = s.listener.Notify(ctx, &p)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		n++
		s.packets.Inc()
	}
	s.streams.Inc()
	s.log.Debug("Stream completed", "packets", n)
	return stream.SendMsg(&frame{data: binary.LittleEndian.AppendUint64(nil, n)})
}

// Serve serves the collector and a health service on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)
	healthServer := gh.NewServer()
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("Starting collector", logfields.Address, lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// SplitListenAddr splits a listen address into network and address. Unix
// sockets are given as unix:///absolute/path; anything else is TCP.
func SplitListenAddr(arg string) (string, string, error) {
	if strings.HasPrefix(arg, "unix://") {
		path := strings.TrimPrefix(arg, "unix://")
		if !filepath.IsAbs(path) {
			return "", "", fmt.Errorf("path %s (%s) is not absolute", path, arg)
		}
		return "unix", path, nil
	}
	return "tcp", arg, nil
}

// Listen listens on a collector address. Unix sockets are created with
// mode, in a private directory first, so that no client connects before
// the mode is set.
func Listen(addr string, mode os.FileMode) (net.Listener, error) {
	network, address, err := SplitListenAddr(addr)
	if err != nil {
		return nil, err
	}
	if network != "unix" {
		return net.Listen(network, address)
	}

	os.Remove(address)
	tmpDir, err := os.MkdirTemp(filepath.Dir(address), filepath.Base(address)+"-dir-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, filepath.Base(address))
	l, err := net.Listen("unix", tmpPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		l.Close()
		return nil, err
	}
	if err := os.Rename(tmpPath, address); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

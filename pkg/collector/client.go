// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package collector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cilium/calltrace/pkg/packet"
)

// ErrIncomplete is returned by Close when the collector acknowledged fewer
// packets than were sent.
var ErrIncomplete = errors.New("collector did not receive every packet")

var recordDesc = &grpc.StreamDesc{
	StreamName:    recordName,
	ClientStreams: true,
}

// Client streams packets to a collector. It is a packet.Sink and is safe for
// concurrent use.
type Client struct {
	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	sent   uint64
}

// Dial connects to the collector at target. Without options the connection
// is insecure; unix sockets are given as unix:///absolute/path.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to collector: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(ctx, recordDesc, "/"+serviceName+"/"+recordName)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &Client{conn: conn, stream: stream, cancel: cancel}, nil
}

// WritePacket implements packet.Sink.
func (c *Client) WritePacket(p *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return errors.New("collector stream closed")
	}
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.stream.SendMsg(&frame{data: b}); err != nil {
		return err
	}
	c.sent++
	return nil
}

// Close ends the stream and waits for the collector to acknowledge it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	stream := c.stream
	c.stream = nil
	defer c.cancel()
	defer c.conn.Close()

	if err := stream.CloseSend(); err != nil {
		return err
	}
	var ack frame
	if err := stream.RecvMsg(&ack); err != nil {
		return err
	}
	if len(ack.data) != 8 {
		return fmt.Errorf("acknowledgement of %d bytes", len(ack.data))
	}
	if n := binary.LittleEndian.Uint64(ack.data); n != c.sent {
		return fmt.Errorf("%d of %d packets: %w", n, c.sent, ErrIncomplete)
	}
	return nil
}

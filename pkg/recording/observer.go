// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/packet"
)

// Observer reads packets from a source and hands them to its listeners, in
// order. A listener failing to handle a packet is removed and closed.
type Observer struct {
	src       packet.Source
	log       logger.FieldLogger
	mu        sync.RWMutex
	listeners map[Listener]struct{}
	packets   atomic.Uint64
	errors    atomic.Uint64
}

// NewObserver returns an Observer reading src.
func NewObserver(src packet.Source, log logger.FieldLogger) *Observer {
	return &Observer{
		src:       src,
		log:       log,
		listeners: make(map[Listener]struct{}),
	}
}

// Run reads src until it is exhausted or ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	o.log.Info("Starting packet playback")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := o.src.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			o.errors.Inc()
			return fmt.Errorf("failed to read packet: %w", err)
		}
		o.packets.Inc()
		o.notifyListeners(ctx, p)
	}
	o.log.Info("Finished packet playback", "packets", o.packets.Load())
	return nil
}

func (o *Observer) notifyListeners(ctx context.Context, p *packet.Packet) {
	o.mu.RLock()
	listeners := make([]Listener, 0, len(o.listeners))
	for listener := range o.listeners {
		listeners = append(listeners, listener)
	}
	o.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener.Notify(ctx, p); err != nil {
			o.errors.Inc()
			o.log.Debug("Notify failure removing Listener", logfields.PacketID, p.ID, logfields.Error, err)
			o.RemoveListener(listener)
		}
	}
}

// AddListener registers a listener.
func (o *Observer) AddListener(listener Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.Debug("Add listener", "listener", fmt.Sprintf("%T", listener))
	o.listeners[listener] = struct{}{}
}

// RemoveListener unregisters and closes a listener.
func (o *Observer) RemoveListener(listener Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.listeners[listener]; !ok {
		return
	}
	o.log.Debug("Delete listener", "listener", fmt.Sprintf("%T", listener))
	delete(o.listeners, listener)
	if err := listener.Close(); err != nil {
		o.log.Warn("failed to close listener", logfields.Error, err)
	}
}

// Close removes all listeners.
func (o *Observer) Close() {
	o.mu.RLock()
	listeners := make([]Listener, 0, len(o.listeners))
	for listener := range o.listeners {
		listeners = append(listeners, listener)
	}
	o.mu.RUnlock()
	for _, l := range listeners {
		o.RemoveListener(l)
	}
}

// Listeners returns the number of registered listeners.
func (o *Observer) Listeners() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}

// Packets returns the number of packets read.
func (o *Observer) Packets() uint64 { return o.packets.Load() }

// Errors returns the number of read and listener errors.
func (o *Observer) Errors() uint64 { return o.errors.Load() }

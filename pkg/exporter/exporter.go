// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package exporter writes packet streams to files.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cilium/lumberjack/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/packet"
)

// ErrRotateCompressed is returned for configurations rotating a zstd stream.
var ErrRotateCompressed = errors.New("size based rotation cannot be combined with zstd")

// FileConfig configures a file sink.
type FileConfig struct {
	Path string
	// MaxSizeMB enables size based rotation. Frames are written whole, so
	// rotation never splits one.
	MaxSizeMB  int
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
	// RotationInterval additionally rotates periodically.
	RotationInterval time.Duration
	// Zstd compresses the single output file with zstd.
	Zstd bool
}

// Sink writes packets to an io.Writer. It is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	w       *packet.Writer
	closers []io.Closer
	rotator *lumberjack.Logger
	log     logger.FieldLogger
}

// NewSink returns a sink writing frames to w. Closing the sink closes w if
// it is an io.Closer.
func NewSink(w io.Writer) *Sink {
	s := &Sink{
		w:   packet.NewWriter(NewExportedBytesTotalWriter(w)),
		log: logger.GetLogger(),
	}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	return s
}

// WritePacket implements packet.Sink.
func (s *Sink) WritePacket(p *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return os.ErrClosed
	}
	if err := s.w.WritePacket(p); err != nil {
		return err
	}
	packetsExportedTotal.Inc()
	packetsExportTimestamp.Set(float64(p.Time().Unix()))
	return nil
}

// Rotate starts a new file. It is a no-op for sinks without rotation.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotator == nil {
		return nil
	}
	rotations.Inc()
	return s.rotator.Rotate()
}

// Close flushes and closes the underlying writers.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	s.w = nil
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// CreateFile creates path for writing. An existing file is renamed with its
// modification time as a prefix.
func CreateFile(path string) (*os.File, error) {
	if info, err := os.Stat(path); err == nil {
		modTime := info.ModTime().Format("2006-01-02_15-04-05")
		dir := filepath.Dir(path)
		base := filepath.Base(path)
		newName := filepath.Join(dir, modTime+"_"+base)
		if err := os.Rename(path, newName); err != nil {
			return nil, fmt.Errorf("failed to rename existing trace file: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return f, nil
}

// NewFileSink returns a sink writing to cfg.Path. A non-zero rotation
// interval starts a goroutine rotating the file until ctx is done.
func NewFileSink(ctx context.Context, cfg FileConfig) (*Sink, error) {
	if cfg.Zstd && (cfg.MaxSizeMB > 0 || cfg.RotationInterval > 0) {
		return nil, ErrRotateCompressed
	}
	if cfg.Zstd {
		f, err := CreateFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		s := NewSink(enc)
		// the encoder does not close the file
		s.closers = append(s.closers, f)
		return s, nil
	}
	if cfg.MaxSizeMB == 0 && cfg.RotationInterval == 0 {
		f, err := CreateFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSink(f), nil
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	s := NewSink(writer)
	s.rotator = writer
	if cfg.RotationInterval != 0 {
		s.log.Info("Periodically rotating trace files", "duration", cfg.RotationInterval)
		go func() {
			ticker := time.NewTicker(cfg.RotationInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.Rotate(); err != nil {
						s.log.Warn("Failed to rotate trace file",
							logfields.Path, cfg.Path,
							logfields.Error, err)
					}
				}
			}
		}()
	}
	return s, nil
}

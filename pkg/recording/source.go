// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package recording

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/cilium/calltrace/pkg/packet"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Source is a packet source reading a possibly compressed stream.
type Source struct {
	*packet.Reader
	closers []io.Closer
}

// Close releases the stream.
func (s *Source) Close() error {
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// NewSource returns a source on r. zstd and gzip streams, as written by
// zstd file sinks and by rotation, are detected and decompressed.
func NewSource(r io.Reader) (*Source, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, err
	}
	s := &Source{}
	var in io.Reader = br
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		s.closers = append(s.closers, closerFunc(dec.Close))
		in = dec
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		s.closers = append(s.closers, zr)
		in = zr
	}
	s.Reader = packet.NewReader(in)
	return s, nil
}

// OpenSource opens a trace file.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closers = append(s.closers, f)
	return s, nil
}

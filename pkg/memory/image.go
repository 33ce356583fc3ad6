// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package memory

import (
	"bytes"
	"fmt"
)

// Image is a Space backed by a single contiguous buffer placed at a base
// address. Relocated packet images are viewed through it, so the same
// traversal code runs over application memory and over captured packets.
type Image struct {
	base Pointer
	data []byte
}

// NewImage returns a Space over data located at base. The Image aliases data.
func NewImage(base Pointer, data []byte) *Image {
	return &Image{base: base, data: data}
}

// Base returns the address of the first byte of the image.
func (m *Image) Base() Pointer { return m.base }

// Bytes returns the underlying buffer.
func (m *Image) Bytes() []byte { return m.data }

func (m *Image) slice(p Pointer, size uint64) ([]byte, error) {
	if p < m.base {
		return nil, fmt.Errorf("access [%v, +%d): %w", p, size, ErrFault)
	}
	off := uint64(p - m.base)
	if off > uint64(len(m.data)) || size > uint64(len(m.data))-off {
		return nil, fmt.Errorf("access [%v, +%d): %w", p, size, ErrFault)
	}
	return m.data[off : off+size], nil
}

// Read implements Space.
func (m *Image) Read(p Pointer, size uint64) ([]byte, error) {
	return m.slice(p, size)
}

// Write implements Space.
func (m *Image) Write(p Pointer, data []byte) error {
	b, err := m.slice(p, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Strlen returns the length of the NUL-terminated string at p.
func (m *Image) Strlen(p Pointer) (uint64, error) {
	if _, err := m.slice(p, 0); err != nil {
		return 0, err
	}
	off := uint64(p - m.base)
	if n := bytes.IndexByte(m.data[off:], 0); n >= 0 {
		return uint64(n), nil
	}
	return 0, fmt.Errorf("unterminated string at %v: %w", p, ErrFault)
}

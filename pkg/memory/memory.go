// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package memory models the address spaces that call arguments point into.
//
// On the capture side a Space is the application's memory as seen by the
// interception layer. On the replay side it is the memory the replay driver
// reads its arguments from: relocated packet images are placed into it and
// driver-owned mappings live next to them.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Pointer is an address in a Space. The zero Pointer is null.
type Pointer uint64

// Null is the null pointer.
const Null Pointer = 0

// PointerSize is the size in bytes of a pointer stored in memory.
const PointerSize = 8

var (
	// ErrFault is returned when accessing memory outside of any live
	// allocation.
	ErrFault = errors.New("memory fault")
	// ErrNullPointer is returned when dereferencing a null pointer.
	ErrNullPointer = errors.New("null pointer dereference")
)

// Space is an addressable memory space.
type Space interface {
	// Read returns size bytes starting at p. Implementations may return a
	// slice aliasing their storage; callers that keep the bytes must copy.
	Read(p Pointer, size uint64) ([]byte, error)
	// Write copies data to p.
	Write(p Pointer, data []byte) error
}

// Add returns p offset by n bytes.
func (p Pointer) Add(n uint64) Pointer { return p + Pointer(n) }

// IsNull returns true if p is the null pointer.
func (p Pointer) IsNull() bool { return p == Null }

func (p Pointer) String() string { return fmt.Sprintf("0x%x", uint64(p)) }

// ReadUint reads an unsigned little-endian integer of size bytes (1, 2, 4 or
// 8) at p.
func ReadUint(s Space, p Pointer, size uint64) (uint64, error) {
	if p.IsNull() {
		return 0, ErrNullPointer
	}
	b, err := s.Read(p, size)
	if err != nil {
		return 0, err
	}
	return DecodeUint(b, size)
}

// ReadU32 reads a little-endian uint32 at p.
func ReadU32(s Space, p Pointer) (uint32, error) {
	v, err := ReadUint(s, p, 4)
	return uint32(v), err
}

// ReadU64 reads a little-endian uint64 at p.
func ReadU64(s Space, p Pointer) (uint64, error) {
	return ReadUint(s, p, 8)
}

// ReadPointer reads a pointer stored at p.
func ReadPointer(s Space, p Pointer) (Pointer, error) {
	v, err := ReadUint(s, p, PointerSize)
	return Pointer(v), err
}

// WriteUint writes v as a little-endian integer of size bytes at p.
func WriteUint(s Space, p Pointer, size uint64, v uint64) error {
	if p.IsNull() {
		return ErrNullPointer
	}
	b := make([]byte, size)
	if err := EncodeUint(b, size, v); err != nil {
		return err
	}
	return s.Write(p, b)
}

// WriteU64 writes a little-endian uint64 at p.
func WriteU64(s Space, p Pointer, v uint64) error {
	return WriteUint(s, p, 8, v)
}

// Strlen returns the length of the NUL-terminated string at p, not counting
// the terminator.
func Strlen(s Space, p Pointer) (uint64, error) {
	if p.IsNull() {
		return 0, ErrNullPointer
	}
	if sl, ok := s.(interface {
		Strlen(Pointer) (uint64, error)
	}); ok {
		return sl.Strlen(p)
	}
	for n := uint64(0); ; n++ {
		b, err := s.Read(p.Add(n), 1)
		if err != nil {
			return 0, err
		}
		if b[0] == 0 {
			return n, nil
		}
	}
}

// ReadString reads the NUL-terminated string at p.
func ReadString(s Space, p Pointer) (string, error) {
	n, err := Strlen(s, p)
	if err != nil {
		return "", err
	}
	b, err := s.Read(p, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeUint decodes a little-endian integer of size bytes from b.
func DecodeUint(b []byte, size uint64) (uint64, error) {
	if uint64(len(b)) < size {
		return 0, fmt.Errorf("short read: %d < %d bytes", len(b), size)
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("unsupported integer size %d", size)
	}
}

// EncodeUint encodes v as a little-endian integer of size bytes into b.
func EncodeUint(b []byte, size uint64, v uint64) error {
	if uint64(len(b)) < size {
		return fmt.Errorf("short buffer: %d < %d bytes", len(b), size)
	}
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("unsupported integer size %d", size)
	}
	return nil
}

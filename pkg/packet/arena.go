// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/calltrace/pkg/memory"
)

var (
	// ErrRefRewritten is returned when a reference field is written twice.
	ErrRefRewritten = errors.New("reference written twice")
	// ErrOutOfBounds is returned for accesses outside the arena.
	ErrOutOfBounds = errors.New("access outside of packet")
	// ErrOverflow is returned when embedding more than the arena's limit.
	ErrOverflow = errors.New("dynamic region overflow")
)

// Arena builds the body and dynamic region of one packet. Content is
// appended to the dynamic region and addressed by Ref from the start, so a
// reference is final as soon as it is written.
type Arena struct {
	buf     []byte
	bodyLen uint64
	limit   uint64
	refs    map[uint64]struct{}
}

// NewArena returns an arena with a zeroed body of bodyLen bytes. Embedding
// more than limit dynamic bytes fails with ErrOverflow.
func NewArena(bodyLen, limit uint64) *Arena {
	buf := make([]byte, bodyLen, bodyLen+limit)
	return &Arena{
		buf:     buf,
		bodyLen: bodyLen,
		limit:   limit,
		refs:    make(map[uint64]struct{}),
	}
}

// BodyLen returns the size of the body.
func (a *Arena) BodyLen() uint64 { return a.bodyLen }

// Embedded returns the number of dynamic bytes embedded so far.
func (a *Arena) Embedded() uint64 { return uint64(len(a.buf)) - a.bodyLen }

// Body returns the body. It aliases the arena.
func (a *Arena) Body() []byte { return a.buf[:a.bodyLen] }

// Dynamic returns the dynamic region. It aliases the arena.
func (a *Arena) Dynamic() []byte { return a.buf[a.bodyLen:] }

// Embed appends data to the dynamic region and returns its reference.
func (a *Arena) Embed(data []byte) (Ref, error) {
	n := uint64(len(data))
	if a.Embedded()+n > a.limit {
		return NullRef, fmt.Errorf("embedding %d bytes after %d of %d: %w", n, a.Embedded(), a.limit, ErrOverflow)
	}
	ref := Ref(len(a.buf))
	a.buf = append(a.buf, data...)
	return ref, nil
}

func (a *Arena) check(pos, size uint64) error {
	if pos > uint64(len(a.buf)) || size > uint64(len(a.buf))-pos {
		return fmt.Errorf("[%d, +%d) of %d: %w", pos, size, len(a.buf), ErrOutOfBounds)
	}
	return nil
}

// SetRef stores ref in the pointer field at pos. Every field is written at
// most once.
func (a *Arena) SetRef(pos uint64, ref Ref) error {
	if err := a.check(pos, memory.PointerSize); err != nil {
		return err
	}
	if _, ok := a.refs[pos]; ok {
		return fmt.Errorf("field at %d: %w", pos, ErrRefRewritten)
	}
	a.refs[pos] = struct{}{}
	binary.LittleEndian.PutUint64(a.buf[pos:], uint64(ref))
	return nil
}

// Refs returns the number of reference fields written.
func (a *Arena) Refs() int { return len(a.refs) }

// PutUint stores the low size bytes of v at pos.
func (a *Arena) PutUint(pos, size, v uint64) error {
	if err := a.check(pos, size); err != nil {
		return err
	}
	return memory.EncodeUint(a.buf[pos:pos+size], size, v)
}

// Uint returns the size byte value stored at pos. Position 0 is the first
// body byte, not a null reference.
func (a *Arena) Uint(pos, size uint64) (uint64, error) {
	if err := a.check(pos, size); err != nil {
		return 0, err
	}
	return memory.DecodeUint(a.buf[pos:pos+size], size)
}

// Packet returns a packet holding copies of the arena's body and dynamic
// region.
func (a *Arena) Packet() *Packet {
	return &Packet{
		Body:    append([]byte(nil), a.Body()...),
		Dynamic: append([]byte(nil), a.Dynamic()...),
	}
}

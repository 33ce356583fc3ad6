// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package packet implements trace packets: one self-contained record per
// captured call, with a fixed body holding one slot per argument and a
// dynamic region holding everything the arguments point to. Pointers inside
// a packet are stored as references relative to the start of the body.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Magic starts every frame ("CTP1" in little-endian order).
const Magic uint32 = 0x31505443

const (
	// HeaderSize is the size of a frame header.
	HeaderSize = 72
	// MaxFrameSize bounds frames accepted by readers.
	MaxFrameSize = 64 << 20
)

var (
	ErrBadMagic      = errors.New("bad frame magic")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrMalformed     = errors.New("malformed frame")
)

// Flags annotate a packet.
type Flags uint32

const (
	// FlagSuspect marks packets whose embedded content does not match what
	// was estimated before the call, e.g. a query call that returned more
	// data than it was sized for.
	FlagSuspect Flags = 1 << iota
	// FlagShadow marks packets carrying mapped memory content.
	FlagShadow
)

func (f Flags) String() string {
	var s string
	if f&FlagSuspect != 0 {
		s += "S"
	}
	if f&FlagShadow != 0 {
		s += "M"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Ref is a reference into a packet: the offset of the referenced bytes from
// the start of the body. Body slots come first, so a valid non-null Ref is
// never smaller than the body length.
type Ref uint64

// NullRef is the null reference.
const NullRef Ref = 0

// Packet is one captured call.
type Packet struct {
	ID        uint64
	Kind      uint32
	Flags     Flags
	Session   uuid.UUID
	Timestamp int64
	Thread    uint64
	// Result is the value returned by the call.
	Result  uint64
	Body    []byte
	Dynamic []byte
}

// Size returns the framed size of the packet.
func (p *Packet) Size() uint64 {
	return HeaderSize + uint64(len(p.Body)) + uint64(len(p.Dynamic))
}

// Time returns the capture time.
func (p *Packet) Time() time.Time { return time.Unix(0, p.Timestamp) }

// Image returns a copy of body and dynamic region, contiguous, in which every
// Ref is an offset.
func (p *Packet) Image() []byte {
	img := make([]byte, 0, len(p.Body)+len(p.Dynamic))
	img = append(img, p.Body...)
	return append(img, p.Dynamic...)
}

// Slot returns the raw value of body slot i.
func (p *Packet) Slot(i int) (uint64, error) {
	off := i * 8
	if i < 0 || off+8 > len(p.Body) {
		return 0, fmt.Errorf("slot %d outside body of %d bytes: %w", i, len(p.Body), ErrMalformed)
	}
	return binary.LittleEndian.Uint64(p.Body[off:]), nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("#%d kind=%d flags=%s body=%d dynamic=%d", p.ID, p.Kind, p.Flags, len(p.Body), len(p.Dynamic))
}

// AppendBinary appends the frame of p to b.
func (p *Packet) AppendBinary(b []byte) ([]byte, error) {
	size := p.Size()
	if size > MaxFrameSize {
		return b, fmt.Errorf("packet #%d: %d bytes: %w", p.ID, size, ErrFrameTooLarge)
	}
	le := binary.LittleEndian
	b = le.AppendUint32(b, Magic)
	b = le.AppendUint32(b, uint32(size))
	b = le.AppendUint64(b, p.ID)
	b = le.AppendUint32(b, p.Kind)
	b = le.AppendUint32(b, uint32(p.Flags))
	b = append(b, p.Session[:]...)
	b = le.AppendUint64(b, uint64(p.Timestamp))
	b = le.AppendUint64(b, p.Thread)
	b = le.AppendUint64(b, p.Result)
	b = le.AppendUint32(b, uint32(len(p.Body)))
	b = le.AppendUint32(b, uint32(len(p.Dynamic)))
	b = append(b, p.Body...)
	return append(b, p.Dynamic...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, p.Size()))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The packet does not
// retain data.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%d bytes: %w", len(data), ErrMalformed)
	}
	le := binary.LittleEndian
	if m := le.Uint32(data); m != Magic {
		return fmt.Errorf("%#x: %w", m, ErrBadMagic)
	}
	size := le.Uint32(data[4:])
	if size > MaxFrameSize {
		return fmt.Errorf("%d bytes: %w", size, ErrFrameTooLarge)
	}
	if uint64(size) != uint64(len(data)) {
		return fmt.Errorf("frame length %d, have %d bytes: %w", size, len(data), ErrMalformed)
	}
	bodyLen := uint64(le.Uint32(data[64:]))
	dynLen := uint64(le.Uint32(data[68:]))
	if HeaderSize+bodyLen+dynLen != uint64(size) {
		return fmt.Errorf("body %d and dynamic %d do not fill %d bytes: %w", bodyLen, dynLen, size, ErrMalformed)
	}
	*p = Packet{
		ID:        le.Uint64(data[8:]),
		Kind:      le.Uint32(data[16:]),
		Flags:     Flags(le.Uint32(data[20:])),
		Timestamp: int64(le.Uint64(data[40:])),
		Thread:    le.Uint64(data[48:]),
		Result:    le.Uint64(data[56:]),
	}
	copy(p.Session[:], data[24:40])
	payload := data[HeaderSize:]
	p.Body = append([]byte(nil), payload[:bodyLen]...)
	p.Dynamic = append([]byte(nil), payload[bodyLen:]...)
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package packet

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sink consumes packets.
type Sink interface {
	WritePacket(p *Packet) error
}

// Source produces packets, returning io.EOF after the last one.
type Source interface {
	ReadPacket() (*Packet, error)
}

// Writer writes frames to an io.Writer. Every frame is passed to the
// underlying writer in a single Write call. Writer is not safe for
// concurrent use.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket implements Sink.
func (w *Writer) WritePacket(p *Packet) error {
	b, err := p.AppendBinary(w.buf[:0])
	if err != nil {
		return err
	}
	w.buf = b
	_, err = w.w.Write(b)
	return err
}

// Reader reads frames from an io.Reader.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadPacket implements Source. A stream ending inside a frame yields
// io.ErrUnexpectedEOF.
func (r *Reader) ReadPacket() (*Packet, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r.r, pre[:]); err != nil {
		return nil, err
	}
	if m := binary.LittleEndian.Uint32(pre[:]); m != Magic {
		return nil, fmt.Errorf("%#x: %w", m, ErrBadMagic)
	}
	size := binary.LittleEndian.Uint32(pre[4:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%d bytes: %w", size, ErrFrameTooLarge)
	}
	if size < HeaderSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", size, ErrMalformed)
	}
	if cap(r.buf) < int(size) {
		r.buf = make([]byte, size)
	}
	frame := r.buf[:size]
	copy(frame, pre[:])
	if _, err := io.ReadFull(r.r, frame[8:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	p := new(Packet)
	if err := p.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	return p, nil
}

// Copy reads src until io.EOF and writes every packet to dst. It returns the
// number of packets copied.
func Copy(dst Sink, src Source) (int, error) {
	n := 0
	for {
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := dst.WritePacket(p); err != nil {
			return n, err
		}
		n++
	}
}

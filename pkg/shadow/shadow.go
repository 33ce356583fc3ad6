// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package shadow tracks driver memory mapped into the application, so that
// what the application writes there between map and unmap can be captured
// and restored.
package shadow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/schema"
)

var (
	ErrUnknownMemory = errors.New("unknown memory handle")
	ErrExists        = errors.New("memory handle already tracked")
	ErrNotMapped     = errors.New("memory not mapped")
	ErrMapped        = errors.New("memory already mapped")
	ErrRange         = errors.New("mapping outside allocation")
)

// Entry is the state of one memory allocation. Pointer is null unless the
// memory is mapped.
type Entry struct {
	Handle uint64
	Size   uint64
	// Offset and MappedSize describe the mapped range of a mapped entry.
	Offset     uint64
	MappedSize uint64
	Pointer    memory.Pointer
}

// Mapped returns true if the entry is mapped.
func (e *Entry) Mapped() bool { return !e.Pointer.IsNull() }

// Tracker holds the entries of one session. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	mem     memory.Space
	entries map[uint64]*Entry
}

// New returns a tracker for memory mapped into mem.
func New(mem memory.Space) *Tracker {
	return &Tracker{
		mem:     mem,
		entries: make(map[uint64]*Entry),
	}
}

func (t *Tracker) get(handle uint64) (*Entry, error) {
	e, ok := t.entries[handle]
	if !ok {
		return nil, fmt.Errorf("%#x: %w", handle, ErrUnknownMemory)
	}
	return e, nil
}

// Alloc starts tracking an allocation of size bytes.
func (t *Tracker) Alloc(handle, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[handle]; ok {
		return fmt.Errorf("%#x: %w", handle, ErrExists)
	}
	t.entries[handle] = &Entry{Handle: handle, Size: size}
	return nil
}

// Map records that size bytes at offset of the allocation are mapped at p.
// A size of schema.WholeSize maps up to the end of the allocation.
func (t *Tracker) Map(handle, offset, size uint64, p memory.Pointer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(handle)
	if err != nil {
		return err
	}
	if e.Mapped() {
		return fmt.Errorf("%#x: %w", handle, ErrMapped)
	}
	if offset > e.Size {
		return fmt.Errorf("%#x: offset %d of %d bytes: %w", handle, offset, e.Size, ErrRange)
	}
	if size == schema.WholeSize {
		size = e.Size - offset
	}
	if size > e.Size-offset {
		return fmt.Errorf("%#x: [%d, +%d) of %d bytes: %w", handle, offset, size, e.Size, ErrRange)
	}
	e.Offset, e.MappedSize, e.Pointer = offset, size, p
	return nil
}

// Capture returns a copy of the mapped content of handle as it is now. It
// must run before the memory is unmapped.
func (t *Tracker) Capture(handle uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(handle)
	if err != nil {
		return nil, err
	}
	if !e.Mapped() {
		return nil, fmt.Errorf("%#x: %w", handle, ErrNotMapped)
	}
	data, err := t.mem.Read(e.Pointer, e.MappedSize)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// Restore writes data into the mapping of handle. It must run before the
// memory is unmapped.
func (t *Tracker) Restore(handle uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(handle)
	if err != nil {
		return err
	}
	if !e.Mapped() {
		return fmt.Errorf("%#x: %w", handle, ErrNotMapped)
	}
	if uint64(len(data)) > e.MappedSize {
		return fmt.Errorf("%#x: %d bytes into a %d bytes mapping: %w", handle, len(data), e.MappedSize, ErrRange)
	}
	return t.mem.Write(e.Pointer, data)
}

// Unmap clears the mapping of handle.
func (t *Tracker) Unmap(handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(handle)
	if err != nil {
		return err
	}
	if !e.Mapped() {
		return fmt.Errorf("%#x: %w", handle, ErrNotMapped)
	}
	e.Offset, e.MappedSize, e.Pointer = 0, 0, memory.Null
	return nil
}

// Free stops tracking handle.
func (t *Tracker) Free(handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.get(handle); err != nil {
		return err
	}
	delete(t.entries, handle)
	return nil
}

// Lookup returns a copy of the entry of handle.
func (t *Tracker) Lookup(handle uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked allocations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Follow applies the effect of a successful call to the tracker. args are
// the call arguments as seen by the tracked memory space: the allocated
// handle and the mapped address are read through the call's output
// pointers.
func (t *Tracker) Follow(call *schema.Call, args []uint64) error {
	m := call.Memory
	switch m.Op {
	case schema.MemoryAlloc:
		handle, err := memory.ReadU64(t.mem, memory.Pointer(args[m.Handle]))
		if err != nil {
			return err
		}
		return t.Alloc(handle, args[m.Size])
	case schema.MemoryMap:
		offset, size := uint64(0), schema.WholeSize
		if m.Offset >= 0 {
			offset = args[m.Offset]
		}
		if m.Size >= 0 {
			size = args[m.Size]
		}
		p, err := memory.ReadPointer(t.mem, memory.Pointer(args[m.Pointer]))
		if err != nil {
			return err
		}
		return t.Map(args[m.Handle], offset, size, p)
	case schema.MemoryUnmap:
		return t.Unmap(args[m.Handle])
	case schema.MemoryFree:
		return t.Free(args[m.Handle])
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package memory

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

const (
	// Values smaller than this are not legal addresses.
	lowMem = uint64(1) << 16
	// heapAlign is the alignment of every allocation.
	heapAlign = 16
	// heapGuard separates allocations so that overruns fault.
	heapGuard = 64
)

type allocation struct {
	base Pointer
	data []byte
}

func (a *allocation) end() Pointer { return a.base.Add(uint64(len(a.data))) }

// Heap is a simulated, sparse address space. Allocations never move and their
// addresses are never reused, so a dangling pointer faults instead of
// aliasing a newer allocation. Heap is safe for concurrent use; slices
// returned by Read alias heap storage.
type Heap struct {
	mu     sync.RWMutex
	allocs []*allocation // sorted by base
	next   uint64
}

// NewHeap returns an empty Heap.
func NewHeap() *Heap {
	return &Heap{next: lowMem}
}

// Alloc reserves size zero-filled bytes and returns their address.
func (h *Heap) Alloc(size uint64) Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(make([]byte, size))
}

// Map places a copy of data into the heap and returns its address.
func (h *Heap) Map(data []byte) Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked(bytes.Clone(data))
}

func (h *Heap) allocLocked(data []byte) Pointer {
	base := Pointer(h.next)
	size := uint64(len(data))
	h.next += (size + heapGuard + heapAlign - 1) &^ (heapAlign - 1)
	// bases are strictly increasing, append keeps the slice sorted
	h.allocs = append(h.allocs, &allocation{base: base, data: data})
	return base
}

// Free releases the allocation starting at p.
func (h *Heap) Free(p Pointer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.search(p)
	if i < 0 || h.allocs[i].base != p {
		return fmt.Errorf("free of %v: %w", p, ErrFault)
	}
	h.allocs = append(h.allocs[:i], h.allocs[i+1:]...)
	return nil
}

// Size returns the size of the allocation starting at p.
func (h *Heap) Size(p Pointer) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := h.search(p)
	if i < 0 || h.allocs[i].base != p {
		return 0, false
	}
	return uint64(len(h.allocs[i].data)), true
}

// Len returns the number of live allocations.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allocs)
}

// search returns the index of the allocation with the greatest base <= p, or
// -1.
func (h *Heap) search(p Pointer) int {
	i := sort.Search(len(h.allocs), func(i int) bool { return h.allocs[i].base > p })
	return i - 1
}

func (h *Heap) lookup(p Pointer, size uint64) ([]byte, error) {
	if p.IsNull() {
		return nil, ErrNullPointer
	}
	i := h.search(p)
	if i < 0 {
		return nil, fmt.Errorf("access [%v, +%d): %w", p, size, ErrFault)
	}
	a := h.allocs[i]
	off := uint64(p - a.base)
	if p.Add(size) > a.end() || off+size < off {
		return nil, fmt.Errorf("access [%v, +%d): %w", p, size, ErrFault)
	}
	return a.data[off : off+size], nil
}

// Read implements Space.
func (h *Heap) Read(p Pointer, size uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lookup(p, size)
}

// Write implements Space.
func (h *Heap) Write(p Pointer, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.lookup(p, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Strlen returns the length of the NUL-terminated string at p. The string
// must be terminated inside the allocation holding p.
func (h *Heap) Strlen(p Pointer) (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, err := h.lookup(p, 0); err != nil {
		return 0, err
	}
	a := h.allocs[h.search(p)]
	if n := bytes.IndexByte(a.data[uint64(p-a.base):], 0); n >= 0 {
		return uint64(n), nil
	}
	return 0, fmt.Errorf("unterminated string at %v: %w", p, ErrFault)
}

// AllocString places s followed by a NUL terminator into the heap.
func (h *Heap) AllocString(s string) Pointer {
	return h.Map(append([]byte(s), 0))
}

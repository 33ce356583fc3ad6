// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package sample

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/schema"
)

// Buffer is the driver state of a buffer.
type Buffer struct {
	Device   uint64
	Size     uint64
	Flags    uint32
	Name     string
	Priority float32
	Usages   []uint32
	Data     []byte
}

// Memory is the driver state of a memory allocation.
type Memory struct {
	Device  uint64
	Size    uint64
	Backing memory.Pointer
	Mapped  memory.Pointer
	// Unmapped holds the content of the mapping each time it was unmapped.
	Unmapped [][]byte
}

// Labels is the state recorded by SetLabels.
type Labels struct {
	Labels []Label
	Names  []string
}

// Driver simulates an implementation of the sample API on top of a heap.
// Handles are allocated sequentially from a configurable base, so that two
// drivers hand out different handles for the same call sequence. Driver is
// safe for concurrent use.
type Driver struct {
	mu   sync.Mutex
	mem  *memory.Heap
	log  logger.FieldLogger
	next uint64
	step uint64

	queueCount int
	devices    map[uint64][]uint64
	buffers    map[uint64]*Buffer
	memories   map[uint64]*Memory
	names      map[uint64]string
	labels     map[uint64]*Labels
	signals    []uint64
	blend      [4]float32
	calls      []string
}

type Option func(*Driver)

// WithHandleBase makes the driver issue handles base, base+step, ...
func WithHandleBase(base, step uint64) Option {
	return func(d *Driver) { d.next, d.step = base, step }
}

// WithQueues sets the number of queues of every device.
func WithQueues(n int) Option {
	return func(d *Driver) { d.queueCount = n }
}

// WithLogger sets the driver logger.
func WithLogger(log logger.FieldLogger) Option {
	return func(d *Driver) { d.log = log }
}

// NewDriver returns a driver operating on mem.
func NewDriver(mem *memory.Heap, opts ...Option) *Driver {
	d := &Driver{
		mem:        mem,
		log:        logger.GetLogger(),
		next:       1,
		step:       1,
		queueCount: 2,
		devices:    make(map[uint64][]uint64),
		buffers:    make(map[uint64]*Buffer),
		memories:   make(map[uint64]*Memory),
		names:      make(map[uint64]string),
		labels:     make(map[uint64]*Labels),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Heap returns the address space of the driver.
func (d *Driver) Heap() *memory.Heap { return d.mem }

func (d *Driver) handle() uint64 {
	h := d.next
	d.next += d.step
	return h
}

type args []uint64

func (a args) ptr(i int) memory.Pointer { return memory.Pointer(a[i]) }

// Invoke executes call. API failures are reported through the result;
// errors are returned for arguments the driver cannot access.
func (d *Driver) Invoke(_ context.Context, call *schema.Call, raw []uint64) (uint64, error) {
	if len(raw) != len(call.Args) {
		return 0, fmt.Errorf("%v: %d arguments, want %d", call, len(raw), len(call.Args))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call.Name)

	a := args(raw)
	switch call.Kind {
	case KindCreateDevice:
		return d.createDevice(a)
	case KindDestroyDevice:
		return d.destroyDevice(a)
	case KindCreateBuffer:
		return d.createBuffer(a)
	case KindDestroyBuffer:
		return d.destroyBuffer(a)
	case KindWriteBuffer:
		return d.writeBuffer(a)
	case KindAllocateMemory:
		return d.allocateMemory(a)
	case KindMapMemory:
		return d.mapMemory(a)
	case KindUnmapMemory:
		return d.unmapMemory(a)
	case KindFreeMemory:
		return d.freeMemory(a)
	case KindEnumerateQueues:
		return d.enumerateQueues(a)
	case KindSetObjectName:
		return d.setObjectName(a)
	case KindSetLabels:
		return d.setLabels(a)
	case KindSignal:
		return d.signal(a)
	case KindSetBlendConstants:
		return d.setBlendConstants(a)
	}
	return 0, fmt.Errorf("%w %d", schema.ErrUnknownKind, call.Kind)
}

func (d *Driver) invalid(what string, h uint64) (uint64, error) {
	d.log.Debug("Invalid handle", logfields.HandleType, what, logfields.Handle, fmt.Sprintf("%#x", h))
	return ErrorInvalidHandle, nil
}

func (d *Driver) createDevice(a args) (uint64, error) {
	h := d.handle()
	if err := memory.WriteU64(d.mem, a.ptr(0), h); err != nil {
		return 0, err
	}
	d.devices[h] = nil
	return Success, nil
}

func (d *Driver) destroyDevice(a args) (uint64, error) {
	if _, ok := d.devices[a[0]]; !ok {
		return d.invalid("Device", a[0])
	}
	delete(d.devices, a[0])
	return Success, nil
}

// chain applies the chain at head to b, or to l when b is nil.
func (d *Driver) chain(head memory.Pointer, b *Buffer, l *Labels) error {
	for n := 0; !head.IsNull(); n++ {
		if n == schema.MaxChainLength {
			return schema.ErrChainTooLong
		}
		tag, err := memory.ReadU32(d.mem, head)
		if err != nil {
			return err
		}
		switch tag {
		case TagDebugName:
			p, err := memory.ReadPointer(d.mem, head.Add(16))
			if err != nil {
				return err
			}
			name := ""
			if !p.IsNull() {
				if name, err = memory.ReadString(d.mem, p); err != nil {
					return err
				}
			}
			if b != nil {
				b.Name = name
			} else {
				l.Names = append(l.Names, name)
			}
		case TagPriority:
			v, err := memory.ReadU32(d.mem, head.Add(16))
			if err != nil {
				return err
			}
			if b != nil {
				b.Priority = math.Float32frombits(v)
			}
		case TagUsage:
			n, err := memory.ReadU32(d.mem, head.Add(16))
			if err != nil {
				return err
			}
			p, err := memory.ReadPointer(d.mem, head.Add(24))
			if err != nil {
				return err
			}
			usages, err := d.u32s(p, uint64(n))
			if err != nil {
				return err
			}
			if b != nil {
				b.Usages = append(b.Usages, usages...)
			}
		}
		if head, err = memory.ReadPointer(d.mem, head.Add(8)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) u32s(p memory.Pointer, n uint64) ([]uint32, error) {
	if p.IsNull() || n == 0 {
		return nil, nil
	}
	vals := make([]uint32, n)
	for i := range vals {
		v, err := memory.ReadU32(d.mem, p.Add(uint64(i)*4))
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (d *Driver) createBuffer(a args) (uint64, error) {
	if _, ok := d.devices[a[0]]; !ok {
		return d.invalid("Device", a[0])
	}
	info := a.ptr(1)
	size, err := memory.ReadU64(d.mem, info)
	if err != nil {
		return 0, err
	}
	flags, err := memory.ReadU32(d.mem, info.Add(8))
	if err != nil {
		return 0, err
	}
	next, err := memory.ReadPointer(d.mem, info.Add(16))
	if err != nil {
		return 0, err
	}
	b := &Buffer{Device: a[0], Size: size, Flags: flags, Data: make([]byte, size)}
	if err := d.chain(next, b, nil); err != nil {
		return 0, err
	}
	h := d.handle()
	if err := memory.WriteU64(d.mem, a.ptr(2), h); err != nil {
		return 0, err
	}
	d.buffers[h] = b
	return Success, nil
}

func (d *Driver) destroyBuffer(a args) (uint64, error) {
	if _, ok := d.buffers[a[1]]; !ok {
		return d.invalid("Buffer", a[1])
	}
	delete(d.buffers, a[1])
	delete(d.names, a[1])
	return Success, nil
}

func (d *Driver) writeBuffer(a args) (uint64, error) {
	b, ok := d.buffers[a[0]]
	if !ok {
		return d.invalid("Buffer", a[0])
	}
	vals, err := d.u32s(a.ptr(2), uint64(uint32(a[1])))
	if err != nil {
		return 0, err
	}
	data := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		data = binary.LittleEndian.AppendUint32(data, v)
	}
	copy(b.Data, data)
	return Success, nil
}

func (d *Driver) allocateMemory(a args) (uint64, error) {
	if _, ok := d.devices[a[0]]; !ok {
		return d.invalid("Device", a[0])
	}
	size := a[1]
	if size == 0 || size > 1<<30 {
		return ErrorOutOfMemory, nil
	}
	h := d.handle()
	if err := memory.WriteU64(d.mem, a.ptr(2), h); err != nil {
		return 0, err
	}
	d.memories[h] = &Memory{Device: a[0], Size: size, Backing: d.mem.Alloc(size)}
	return Success, nil
}

func (d *Driver) mapMemory(a args) (uint64, error) {
	m, ok := d.memories[a[1]]
	if !ok {
		return d.invalid("Memory", a[1])
	}
	offset, size := a[2], a[3]
	if !m.Mapped.IsNull() || offset > m.Size || (size != schema.WholeSize && size > m.Size-offset) {
		return ErrorMemoryMapFailed, nil
	}
	p := m.Backing.Add(offset)
	if err := memory.WriteU64(d.mem, a.ptr(4), uint64(p)); err != nil {
		return 0, err
	}
	m.Mapped = p
	return Success, nil
}

func (d *Driver) unmapMemory(a args) (uint64, error) {
	m, ok := d.memories[a[1]]
	if !ok {
		return d.invalid("Memory", a[1])
	}
	if m.Mapped.IsNull() {
		return ErrorMemoryMapFailed, nil
	}
	data, err := d.mem.Read(m.Mapped, m.Size-uint64(m.Mapped-m.Backing))
	if err != nil {
		return 0, err
	}
	m.Unmapped = append(m.Unmapped, slices.Clone(data))
	m.Mapped = memory.Null
	return Success, nil
}

func (d *Driver) freeMemory(a args) (uint64, error) {
	m, ok := d.memories[a[1]]
	if !ok {
		return d.invalid("Memory", a[1])
	}
	if err := d.mem.Free(m.Backing); err != nil {
		return 0, err
	}
	delete(d.memories, a[1])
	delete(d.names, a[1])
	return Success, nil
}

func (d *Driver) enumerateQueues(a args) (uint64, error) {
	queues, ok := d.devices[a[0]]
	if !ok {
		return d.invalid("Device", a[0])
	}
	if queues == nil {
		for range d.queueCount {
			queues = append(queues, d.handle())
		}
		d.devices[a[0]] = queues
	}
	pCount, pQueues := a.ptr(1), a.ptr(2)
	if pQueues.IsNull() {
		return Success, memory.WriteUint(d.mem, pCount, 4, uint64(len(queues)))
	}
	capacity, err := memory.ReadU32(d.mem, pCount)
	if err != nil {
		return 0, err
	}
	n := min(int(capacity), len(queues))
	for i := range n {
		if err := memory.WriteU64(d.mem, pQueues.Add(uint64(i)*8), queues[i]); err != nil {
			return 0, err
		}
	}
	if err := memory.WriteUint(d.mem, pCount, 4, uint64(n)); err != nil {
		return 0, err
	}
	if n < len(queues) {
		return Incomplete, nil
	}
	return Success, nil
}

func (d *Driver) setObjectName(a args) (uint64, error) {
	_, isBuffer := d.buffers[a[1]]
	_, isMemory := d.memories[a[1]]
	if !isBuffer && !isMemory {
		return d.invalid("Object", a[1])
	}
	name := ""
	if p := a.ptr(2); !p.IsNull() {
		var err error
		if name, err = memory.ReadString(d.mem, p); err != nil {
			return 0, err
		}
	}
	d.names[a[1]] = name
	if b, ok := d.buffers[a[1]]; ok {
		b.Name = name
	}
	return Success, nil
}

func (d *Driver) setLabels(a args) (uint64, error) {
	if _, ok := d.devices[a[0]]; !ok {
		return d.invalid("Device", a[0])
	}
	l := &Labels{}
	raw, err := d.u32s(a.ptr(2), 2*uint64(uint32(a[1])))
	if err != nil {
		return 0, err
	}
	for i := 0; i+1 < len(raw); i += 2 {
		l.Labels = append(l.Labels, Label{Key: raw[i], Value: raw[i+1]})
	}
	if err := d.chain(a.ptr(3), nil, l); err != nil {
		return 0, err
	}
	d.labels[a[0]] = l
	return Success, nil
}

func (d *Driver) signal(a args) (uint64, error) {
	if _, ok := d.devices[a[0]]; !ok {
		return d.invalid("Device", a[0])
	}
	v := a[1]
	if p := a.ptr(2); !p.IsNull() {
		payload, err := memory.ReadU64(d.mem, p)
		if err != nil {
			return 0, err
		}
		v += payload
	}
	d.signals = append(d.signals, v)
	return Success, nil
}

func (d *Driver) setBlendConstants(a args) (uint64, error) {
	if _, ok := d.devices[a[0]]; !ok {
		return d.invalid("Device", a[0])
	}
	vals, err := d.u32s(a.ptr(1), 4)
	if err != nil {
		return 0, err
	}
	for i, v := range vals {
		d.blend[i] = math.Float32frombits(v)
	}
	return Success, nil
}

// Buffer returns a copy of the state of buffer h.
func (d *Driver) Buffer(h uint64) (Buffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h]
	if !ok {
		return Buffer{}, false
	}
	c := *b
	c.Data = slices.Clone(b.Data)
	c.Usages = slices.Clone(b.Usages)
	return c, true
}

// Memory returns a copy of the state of memory h.
func (d *Driver) Memory(h uint64) (Memory, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[h]
	if !ok {
		return Memory{}, false
	}
	c := *m
	c.Unmapped = slices.Clone(m.Unmapped)
	return c, true
}

// Name returns the name set on an object.
func (d *Driver) Name(h uint64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.names[h]
	return n, ok
}

// Labels returns the labels last set on a device.
func (d *Driver) Labels(device uint64) (Labels, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.labels[device]
	if !ok {
		return Labels{}, false
	}
	return *l, true
}

// Queues returns the queues of a device.
func (d *Driver) Queues(device uint64) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.devices[device])
}

// Signals returns the values signaled so far.
func (d *Driver) Signals() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.signals)
}

// BlendConstants returns the blend constants.
func (d *Driver) BlendConstants() [4]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blend
}

// Calls returns the names of the calls executed so far.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// Live returns the number of live devices, buffers and memory allocations.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices) + len(d.buffers) + len(d.memories)
}

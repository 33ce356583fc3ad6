// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package workload drives the sample API through a capture session, the way
// an application would.
package workload

import (
	"context"
	"fmt"

	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/sample"
	"github.com/cilium/calltrace/pkg/schema"
	"github.com/cilium/calltrace/pkg/session"
)

// Mapped is what the workload writes into mapped memory before unmapping it.
var Mapped = []byte("calltrace mapped memory content!")

// Result holds the capture-side handles created by Run.
type Result struct {
	Device uint64
	Buffer uint64
	Memory uint64
	Queues []uint64
}

type runner struct {
	ctx    context.Context
	sess   *session.Session
	driver *sample.Driver
	heap   *memory.Heap
	l      sample.Layout
}

func (r *runner) call(kind uint32, args ...uint64) error {
	c, err := r.sess.Schema().Call(kind)
	if err != nil {
		return err
	}
	result, err := r.sess.Call(r.ctx, kind, args, func() (uint64, error) {
		return r.driver.Invoke(r.ctx, c, args)
	})
	if err != nil {
		return fmt.Errorf("%v: %w", c, err)
	}
	if result != sample.Success {
		return fmt.Errorf("%v: result %d", c, result)
	}
	return nil
}

func (r *runner) create(kind uint32, args ...uint64) (uint64, error) {
	out := r.l.Slot()
	if err := r.call(kind, append(args, uint64(out))...); err != nil {
		return 0, err
	}
	return memory.ReadU64(r.heap, out)
}

// Run performs a fixed sequence of sample API calls through sess. The
// session must capture from the driver's heap. The buffer and the device are
// left alive.
func Run(ctx context.Context, sess *session.Session, driver *sample.Driver) (*Result, error) {
	heap := driver.Heap()
	r := &runner{ctx: ctx, sess: sess, driver: driver, heap: heap, l: sample.Layout{Heap: heap}}
	res := &Result{}
	var err error

	if res.Device, err = r.create(sample.KindCreateDevice); err != nil {
		return nil, err
	}
	dev := res.Device

	pCount := r.l.Count(0)
	if err := r.call(sample.KindEnumerateQueues, dev, uint64(pCount), 0); err != nil {
		return nil, err
	}
	n, err := memory.ReadU32(heap, pCount)
	if err != nil {
		return nil, err
	}
	pQueues := heap.Alloc(8 * uint64(n))
	if err := r.call(sample.KindEnumerateQueues, dev, uint64(pCount), uint64(pQueues)); err != nil {
		return nil, err
	}
	for i := range uint64(n) {
		q, err := memory.ReadU64(heap, pQueues.Add(8*i))
		if err != nil {
			return nil, err
		}
		res.Queues = append(res.Queues, q)
	}

	chain := r.l.DebugName("vertices", r.l.Priority(0.5, r.l.Usage([]uint32{1, 2}, memory.Null)))
	if res.Buffer, err = r.create(sample.KindCreateBuffer, dev, uint64(r.l.BufferInfo(64, 3, chain))); err != nil {
		return nil, err
	}
	buf := res.Buffer
	if err := r.call(sample.KindWriteBuffer, buf, 4, uint64(r.l.U32s(1, 2, 3, 4))); err != nil {
		return nil, err
	}
	if err := r.call(sample.KindSetObjectName, dev, buf, uint64(r.l.CString("vertex-buffer"))); err != nil {
		return nil, err
	}
	labels := r.l.Labels(sample.Label{Key: 1, Value: 2}, sample.Label{Key: 3, Value: 4})
	if err := r.call(sample.KindSetLabels, dev, 2, uint64(labels), uint64(r.l.DebugName("labels", memory.Null))); err != nil {
		return nil, err
	}

	if res.Memory, err = r.create(sample.KindAllocateMemory, dev, uint64(len(Mapped))); err != nil {
		return nil, err
	}
	mem := res.Memory
	ppData := r.l.Slot()
	if err := r.call(sample.KindMapMemory, dev, mem, 0, schema.WholeSize, uint64(ppData)); err != nil {
		return nil, err
	}
	data, err := memory.ReadPointer(heap, ppData)
	if err != nil {
		return nil, err
	}
	if err := heap.Write(data, Mapped); err != nil {
		return nil, err
	}
	if err := r.call(sample.KindUnmapMemory, dev, mem); err != nil {
		return nil, err
	}

	if err := r.call(sample.KindSignal, dev, 5, uint64(r.l.U64(3))); err != nil {
		return nil, err
	}
	if err := r.call(sample.KindSetBlendConstants, dev, uint64(r.l.F32s(1, 0.5, 0.25, 0))); err != nil {
		return nil, err
	}
	if err := r.call(sample.KindFreeMemory, dev, mem); err != nil {
		return nil, err
	}
	return res, nil
}

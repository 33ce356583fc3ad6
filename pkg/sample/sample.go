// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package sample is a small driver API used to exercise capture and replay:
// its schema, a simulated driver implementing it, and helpers laying out its
// argument structures in an address space.
package sample

import (
	_ "embed"
	"sync"

	"github.com/cilium/calltrace/pkg/schema"
)

//go:embed toy.yaml
var schemaYAML []byte

// Call kinds.
const (
	KindCreateDevice uint32 = iota + 1
	KindDestroyDevice
	KindCreateBuffer
	KindDestroyBuffer
	KindWriteBuffer
	KindAllocateMemory
	KindMapMemory
	KindUnmapMemory
	KindFreeMemory
	KindEnumerateQueues
	KindSetObjectName
	KindSetLabels
	KindSignal
	KindSetBlendConstants
)

// Chain node discriminants.
const (
	TagDebugName uint32 = iota + 1
	TagPriority
	TagUsage
)

// Call results.
const (
	Success uint64 = iota
	ErrorInvalidHandle
	ErrorOutOfMemory
	ErrorMemoryMapFailed
	Incomplete
)

var compiled = sync.OnceValues(func() (*schema.Schema, error) {
	return schema.ParseYAML(schemaYAML)
})

// Schema returns the compiled sample schema.
func Schema() (*schema.Schema, error) {
	return compiled()
}

// MustSchema is Schema for tests and examples.
func MustSchema() *schema.Schema {
	s, err := compiled()
	if err != nil {
		panic(err)
	}
	return s
}

// YAML returns the sample schema source.
func YAML() []byte {
	return append([]byte(nil), schemaYAML...)
}

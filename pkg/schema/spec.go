// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package schema

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec is the serialized form of a Schema.
type Spec struct {
	Name    string       `yaml:"name"`
	Handles []HandleSpec `yaml:"handles"`
	Structs []StructSpec `yaml:"structs,omitempty"`
	Nodes   []StructSpec `yaml:"nodes,omitempty"`
	Calls   []CallSpec   `yaml:"calls"`
}

// HandleSpec declares a handle type. Concrete lists, in probe order, the
// types an abstract handle may refer to.
type HandleSpec struct {
	Name     string   `yaml:"name"`
	Concrete []string `yaml:"concrete,omitempty"`
}

// StructSpec declares a struct, or a chain node when listed under nodes.
type StructSpec struct {
	Name   string      `yaml:"name"`
	Tag    uint32      `yaml:"tag,omitempty"`
	Fields []FieldSpec `yaml:"fields"`
}

// FieldSpec declares a struct field or a call argument.
type FieldSpec struct {
	Name string `yaml:"name"`
	// Type is a primitive (u8, u16, u32, u64, i32, i64, f32, f64, ptr),
	// "handle", or a struct name. String and chain fields have no type.
	Type   string `yaml:"type,omitempty"`
	Handle string `yaml:"handle,omitempty"`
	// Role is one of value (default), string, array, fixed, chain, pointer.
	Role   string `yaml:"role,omitempty"`
	Count  string `yaml:"count,omitempty"`
	Length uint64 `yaml:"length,omitempty"`
	Out    bool   `yaml:"out,omitempty"`
}

// CallSpec declares a call kind.
type CallSpec struct {
	Kind     uint32      `yaml:"kind"`
	Name     string      `yaml:"name"`
	Args     []FieldSpec `yaml:"args,omitempty"`
	Creates  string      `yaml:"creates,omitempty"`
	Destroys string      `yaml:"destroys,omitempty"`
	Memory   *MemorySpec `yaml:"memory,omitempty"`
}

// MemorySpec declares the mapped-memory effect of a call by argument names.
type MemorySpec struct {
	Op      string `yaml:"op"`
	Handle  string `yaml:"handle"`
	Size    string `yaml:"size,omitempty"`
	Offset  string `yaml:"offset,omitempty"`
	Pointer string `yaml:"pointer,omitempty"`
}

// ParseYAML decodes and compiles a YAML schema. Unknown keys are rejected.
func ParseYAML(data []byte) (*Schema, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return Compile(&spec)
}

// LoadYAML reads and compiles the YAML schema at path.
func LoadYAML(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return ParseYAML(data)
}

// Encode returns spec as YAML.
func (spec *Spec) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

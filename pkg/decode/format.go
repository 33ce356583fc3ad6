// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package decode

import (
	"fmt"
	"math"
	"strings"

	"github.com/cilium/calltrace/pkg/schema"
)

func (*Null) String() string { return "null" }

func (v *Scalar) String() string {
	switch v.Kind {
	case schema.KindHandle:
		return fmt.Sprintf("%s(%#x)", v.Handle, v.Bits)
	case schema.KindPointer:
		return fmt.Sprintf("%#x", v.Bits)
	case schema.KindF32:
		return fmt.Sprintf("%g", math.Float32frombits(uint32(v.Bits)))
	case schema.KindF64:
		return fmt.Sprintf("%g", math.Float64frombits(v.Bits))
	case schema.KindI32:
		return fmt.Sprintf("%d", int32(v.Bits))
	case schema.KindI64:
		return fmt.Sprintf("%d", int64(v.Bits))
	}
	return fmt.Sprintf("%d", v.Bits)
}

func (v *Text) String() string { return fmt.Sprintf("%q", v.S) }

func (v *Array) String() string {
	items := make([]string, len(v.Items))
	for i, it := range v.Items {
		items[i] = it.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func fields(fs []Field) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.Name + "=" + f.Value.String()
	}
	return strings.Join(parts, ", ")
}

func (v *Struct) String() string { return v.Name + "{" + fields(v.Fields) + "}" }

func (v *Chain) String() string {
	nodes := make([]string, len(v.Nodes))
	for i, n := range v.Nodes {
		nodes[i] = n.String()
	}
	return "chain[" + strings.Join(nodes, " -> ") + "]"
}

func (c *Call) String() string {
	s := c.Name + "(" + fields(c.Args) + ")"
	if len(c.Shadow) > 0 {
		s += fmt.Sprintf(" +%d mapped bytes", len(c.Shadow))
	}
	return s
}

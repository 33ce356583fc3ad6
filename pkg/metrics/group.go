// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Group is a sub-registry collected by the root registry. Its init functions
// create the known label values once the group is registered.
type Group struct {
	*prometheus.Registry
	inits []func()
}

func NewGroup() *Group {
	return &Group{Registry: prometheus.NewPedanticRegistry()}
}

// OnInit adds f to the functions run by Init.
func (g *Group) OnInit(f func()) {
	if f != nil {
		g.inits = append(g.inits, f)
	}
}

func (g *Group) Init() {
	for _, f := range g.inits {
		f()
	}
}

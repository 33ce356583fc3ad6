// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package version

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/calltrace/pkg/metrics/consts"
)

// NewBuildInfoCollector returns a collector exposing a constant
// calltrace_build_info gauge labelled with the version and VCS state.
func NewBuildInfoCollector() prometheus.Collector {
	info := ReadBuildInfo()
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "build_info",
		Help:      "Build information about calltrace",
		ConstLabels: prometheus.Labels{
			"version":    Version,
			"go_version": info.GoVersion,
			"commit":     info.Commit,
			"modified":   info.Modified,
		},
	}, func() float64 { return 1 })
}

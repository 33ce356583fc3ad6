// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package metricsconfig

import (
	"sync"

	"github.com/cilium/calltrace/pkg/exporter"
	"github.com/cilium/calltrace/pkg/metrics"
	"github.com/cilium/calltrace/pkg/metrics/tracemetrics"
	"github.com/cilium/calltrace/pkg/version"
)

var (
	healthMetrics     *metrics.Group
	healthMetricsOnce sync.Once
)

func GetHealthGroup() *metrics.Group {
	healthMetricsOnce.Do(func() {
		healthMetrics = metrics.NewGroup()
		registerHealthMetrics(healthMetrics)
	})
	return healthMetrics
}

func registerHealthMetrics(group *metrics.Group) {
	// build info metrics
	group.MustRegister(version.NewBuildInfoCollector())
	// capture and replay metrics
	tracemetrics.RegisterMetrics(group)
	// exporter metrics
	exporter.RegisterMetrics(group)
}

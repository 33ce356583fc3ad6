// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package metricsconfig

import (
	"sync"

	"github.com/cilium/calltrace/pkg/metrics"
)

var initOnce sync.Once

// InitAllMetrics registers every metrics group into the root registry. It
// may be called more than once.
func InitAllMetrics() error {
	var err error
	initOnce.Do(func() {
		err = metrics.RegisterGroups(GetHealthGroup())
	})
	return err
}

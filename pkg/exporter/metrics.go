// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package exporter

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/calltrace/pkg/metrics"
	"github.com/cilium/calltrace/pkg/metrics/consts"
)

var (
	packetsExportedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "packets_exported_total",
		Help:      "Total number of packets exported",
	})

	packetsExportedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "packets_exported_bytes_total",
		Help:      "Number of bytes exported for packets, after compression",
	})

	packetsExportTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "packets_last_exported_timestamp",
		Help:      "Capture timestamp of the most recent packet to be exported",
	})

	rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "export_file_rotations_total",
		Help:      "Number of times the export file was rotated",
	})
)

func RegisterMetrics(group *metrics.Group) {
	group.MustRegister(
		packetsExportedTotal,
		packetsExportedBytesTotal,
		packetsExportTimestamp,
		rotations,
	)
}

func newExportedBytesCounterWriter(w io.Writer, c prometheus.Counter) io.Writer {
	return byteCounterWriter{Writer: w, bytesWritten: c}
}

type byteCounterWriter struct {
	io.Writer
	bytesWritten prometheus.Counter
}

func (w byteCounterWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.bytesWritten.Add(float64(n))
	return n, err
}

func NewExportedBytesTotalWriter(w io.Writer) io.Writer {
	return newExportedBytesCounterWriter(w, packetsExportedBytesTotal)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package tracemetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cilium/calltrace/pkg/metrics"
	"github.com/cilium/calltrace/pkg/metrics/consts"
)

type DropReason int

const (
	// The call kind is not in the schema.
	DropUnknownKind DropReason = iota
	// A chain holds a node with an unknown discriminant.
	DropUnknownDiscriminant
	// The packet does not decode.
	DropMalformed
	// Encoding the arguments failed.
	DropEncode
	// The sink refused the packet.
	DropSink
	// The driver failed to execute the call.
	DropDriver
	// The call left more content than a packet may hold.
	DropTooLarge
)

var dropReasonLabelValues = map[DropReason]string{
	DropUnknownKind:         "unknown_kind",
	DropUnknownDiscriminant: "unknown_discriminant",
	DropMalformed:           "malformed",
	DropEncode:              "encode",
	DropSink:                "sink",
	DropDriver:              "driver",
	DropTooLarge:            "too_large",
}

func (r DropReason) String() string {
	return dropReasonLabelValues[r]
}

type ShadowOp int

const (
	ShadowCapture ShadowOp = iota
	ShadowRestore
)

var shadowOpLabelValues = map[ShadowOp]string{
	ShadowCapture: "capture",
	ShadowRestore: "restore",
}

func (o ShadowOp) String() string {
	return shadowOpLabelValues[o]
}

var (
	PacketsCaptured = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "packets_captured_total",
		Help:      "The total number of packets captured, by call.",
	}, []string{"call"})

	DynamicBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "dynamic_bytes_total",
		Help:      "The total number of bytes embedded into the dynamic region of captured packets.",
	})

	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "packets_dropped_total",
		Help:      "The total number of packets dropped, by reason.",
	}, []string{"reason"})

	SizeMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "size_mismatches_total",
		Help:      "The total number of packets flagged suspect because their content outgrew the pre-call estimate, by call.",
	}, []string{"call"})

	HandleMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "handle_misses_total",
		Help:      "The total number of handles without a replay mapping, by handle type.",
	}, []string{"handle_type"})

	ShadowBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "shadow_bytes_total",
		Help:      "The total number of mapped memory bytes captured or restored.",
	}, []string{"op"})

	PacketsReplayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "packets_replayed_total",
		Help:      "The total number of packets replayed, by call.",
	}, []string{"call"})

	ResultMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "result_mismatches_total",
		Help:      "The total number of replayed calls whose result differs from the captured one, by call.",
	}, []string{"call"})

	WarningsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: consts.MetricsNamespace,
		Name:      "warnings_suppressed_total",
		Help:      "The total number of warnings not logged because of rate limiting.",
	})
)

func RegisterMetrics(group *metrics.Group) {
	group.MustRegister(
		PacketsCaptured,
		DynamicBytes,
		PacketsDropped,
		SizeMismatches,
		HandleMisses,
		ShadowBytes,
		PacketsReplayed,
		ResultMismatches,
		WarningsSuppressed,
	)
	group.OnInit(InitMetrics)
}

// InitMetrics creates the series of all known label values.
func InitMetrics() {
	for r := range dropReasonLabelValues {
		PacketsDropped.WithLabelValues(r.String())
	}
	for o := range shadowOpLabelValues {
		ShadowBytes.WithLabelValues(o.String())
	}
}

func DropInc(r DropReason) {
	PacketsDropped.WithLabelValues(r.String()).Inc()
}

func ShadowAdd(o ShadowOp, n int) {
	ShadowBytes.WithLabelValues(o.String()).Add(float64(n))
}

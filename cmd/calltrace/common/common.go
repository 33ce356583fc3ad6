// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package common

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cilium/calltrace/pkg/collector"
	"github.com/cilium/calltrace/pkg/exporter"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/metrics"
	"github.com/cilium/calltrace/pkg/metricsconfig"
	"github.com/cilium/calltrace/pkg/option"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/ratelimit"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/sample"
	"github.com/cilium/calltrace/pkg/schema"
)

// LoadSchema returns the configured schema, or the sample one.
func LoadSchema() (*schema.Schema, error) {
	if option.Config.SchemaFile == "" {
		return sample.Schema()
	}
	sch, err := schema.LoadYAML(option.Config.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return sch, nil
}

// ServeMetrics starts the metrics server in g when one is configured.
func ServeMetrics(ctx context.Context, g *errgroup.Group) error {
	if option.Config.MetricsServer == "" {
		return nil
	}
	if err := metricsconfig.InitAllMetrics(); err != nil {
		return err
	}
	g.Go(func() error {
		return metrics.Serve(ctx, option.Config.MetricsServer)
	})
	return nil
}

// NewRateLimiter returns the configured warning rate limiter, reporting
// suppressed warnings until ctx is done.
func NewRateLimiter(ctx context.Context, log logger.FieldLogger) *ratelimit.RateLimiter {
	l := ratelimit.NewRateLimiter(option.Config.WarnInterval, option.Config.WarnRate)
	go l.Report(ctx, option.Config.WarnInterval, log)
	return l
}

// OpenSink opens where captured packets go: the collector when an address
// is configured, the export file otherwise. The sink is wrapped in a
// recording.Writer, which may also pass packets on to delegate.
func OpenSink(ctx context.Context, id uuid.UUID, delegate recording.Listener) (*recording.Writer, error) {
	log := logger.GetLogger().With(logfields.Session, id.String())
	var sink packet.Sink
	switch {
	case option.Config.CollectorAddress != "":
		c, err := collector.Dial(ctx, option.Config.CollectorAddress)
		if err != nil {
			return nil, err
		}
		log.Info("Streaming packets to collector", logfields.Address, option.Config.CollectorAddress)
		sink = c
	case option.Config.ExportFilename != "":
		s, err := exporter.NewFileSink(ctx, option.Config.FileConfig())
		if err != nil {
			return nil, err
		}
		log.Info("Recording packets", logfields.Path, option.Config.ExportFilename)
		sink = s
	case delegate == nil:
		return nil, fmt.Errorf("set --%s or --%s", option.KeyExportFilename, option.KeyCollectorAddress)
	}
	opts := []recording.Option{recording.WithVerifyRoundtrip(option.Config.VerifyRoundtrip)}
	if delegate != nil {
		opts = append(opts, recording.WithDelegate(delegate))
	}
	return recording.NewWriter(sink, log, opts...), nil
}

// HumanizeByteCount transforms bytes count into a quickly-readable version, for
// example it transforms 4458824 into "4.46 MB".
func HumanizeByteCount(b uint64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB",
		float64(b)/float64(div), "kMGTPE"[exp])
}

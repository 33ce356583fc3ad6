// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	replaycmd "github.com/cilium/calltrace/cmd/calltrace/replay"
	"github.com/cilium/calltrace/pkg/collector"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/option"
	"github.com/cilium/calltrace/pkg/pidfile"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/replay"
	"github.com/cilium/calltrace/pkg/sample"
)

const examples = `  # Collect packets into a recording
  calltrace serve --export-filename trace.ctp

  # Collect on a unix socket and replay packets as they arrive
  calltrace serve --server-address unix:///var/run/calltrace/collector.sock --export-filename trace.ctp --replay`

const socketMode = 0660

// Run serves the collector until ctx is done.
func Run(ctx context.Context, live bool) error {
	log := logger.Subsys("collector")
	if path := option.Config.PidFile; path != "" {
		pid, err := pidfile.Create(path)
		if errors.Is(err, pidfile.ErrPidIsStillAlive) {
			return fmt.Errorf("collector already running with pid %d: %w", pid, err)
		}
		if err != nil {
			return fmt.Errorf("failed to create pid file: %w", err)
		}
		defer pidfile.Delete(path)
		log.Debug("Pid file created", "pid", pid, logfields.Path, path)
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := common.ServeMetrics(ctx, g); err != nil {
		return err
	}

	var delegate recording.Listener
	if live {
		sch, err := common.LoadSchema()
		if err != nil {
			return err
		}
		heap := memory.NewHeap()
		r := replay.New(sch, heap, sample.NewDriver(heap, sample.WithLogger(log)),
			replay.WithLogger(log),
			replay.WithRateLimiter(common.NewRateLimiter(ctx, log)))
		// replay failures never stop collection
		delegate = replaycmd.NewListener(r, false, func() {})
	}
	w, err := common.OpenSink(ctx, uuid.New(), delegate)
	if err != nil {
		return err
	}
	defer w.Close()

	lis, err := collector.Listen(option.Config.ServerAddress, socketMode)
	if err != nil {
		return err
	}
	srv := collector.NewServer(w, log)
	g.Go(func() error {
		return srv.Serve(ctx, lis)
	})
	err = g.Wait()
	log.Info("Collector stopped", "streams", srv.Streams(), "packets", srv.Packets())
	return err
}

func New() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Collect packets streamed by capture sessions",
		Example: examples,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), live)
		},
	}
	cmd.Flags().BoolVar(&live, "replay", false, "Replay packets as they are collected")
	return cmd
}

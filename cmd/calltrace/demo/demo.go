// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package demo

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	replaycmd "github.com/cilium/calltrace/cmd/calltrace/replay"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/option"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/replay"
	"github.com/cilium/calltrace/pkg/sample"
	"github.com/cilium/calltrace/pkg/sample/workload"
	"github.com/cilium/calltrace/pkg/session"
)

const examples = `  # Capture the sample workload into a recording
  calltrace demo --export-filename trace.ctp

  # Stream 4 concurrent workloads to a collector
  calltrace demo --threads 4 --collector-address localhost:54330

  # Capture and replay at once
  calltrace demo --replay`

type opts struct {
	threads int
	live    bool
}

// Run captures the sample workload on o.threads threads. The workload always
// uses the sample schema.
func Run(ctx context.Context, o opts, out io.Writer) (session.Stats, error) {
	log := logger.Subsys("demo")
	heap := memory.NewHeap()
	driver := sample.NewDriver(heap, sample.WithLogger(log))

	sch, err := sample.Schema()
	if err != nil {
		return session.Stats{}, err
	}
	var r *replay.Replayer
	open := func(ctx context.Context, id uuid.UUID) (packet.Sink, error) {
		var delegate recording.Listener
		if o.live {
			target := memory.NewHeap()
			r = replay.New(sch, target, sample.NewDriver(target, sample.WithHandleBase(1<<32, 1), sample.WithLogger(log)),
				replay.WithLogger(log),
				replay.WithRateLimiter(common.NewRateLimiter(ctx, log)))
			delegate = replaycmd.NewListener(r, false, func() {})
		}
		w, err := common.OpenSink(ctx, id, delegate)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	sess := session.New(sch, heap, open,
		session.WithLogger(log),
		session.WithMaxPacketSize(uint64(option.Config.MaxPacketSize)))
	if err := sess.Init(ctx); err != nil {
		return session.Stats{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range o.threads {
		g.Go(func() error {
			_, err := workload.Run(session.WithThread(gctx, uint64(i+1)), sess, driver)
			return err
		})
	}
	err = g.Wait()
	if terr := sess.Teardown(); err == nil {
		err = terr
	}
	st := sess.Stats()
	fmt.Fprintf(out, "session: %s\ncaptured: %d\ndropped: %d\nsuspect: %d\nbytes: %s\n",
		sess.ID(), st.Captured, st.Dropped, st.Suspect, common.HumanizeByteCount(st.Bytes))
	if r != nil {
		rs := r.Stats()
		fmt.Fprintf(out, "replayed: %d\nreplay dropped: %d\nresult mismatches: %d\n",
			rs.Replayed, rs.Dropped, rs.ResultMismatches)
	}
	return st, err
}

func New() *cobra.Command {
	var o opts
	cmd := &cobra.Command{
		Use:     "demo",
		Short:   "Capture the sample workload",
		Example: examples,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.threads < 1 {
				return fmt.Errorf("invalid thread count %d", o.threads)
			}
			_, err := Run(cmd.Context(), o, cmd.OutOrStdout())
			return err
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&o.threads, "threads", 1, "Number of concurrent workloads")
	flags.BoolVar(&o.live, "replay", false, "Replay packets as they are captured")
	return cmd
}

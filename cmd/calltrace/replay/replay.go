// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package replay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/memory"
	"github.com/cilium/calltrace/pkg/option"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/replay"
	"github.com/cilium/calltrace/pkg/sample"
)

const examples = `  # Replay a recording against the sample driver
  calltrace replay trace.ctp

  # Replay and re-record what was replayed
  calltrace replay trace.ctp --export-filename replayed.ctp --export-file-max-size-mb 0`

// Listener adapts a Replayer to an Observer. Packets that fail to replay
// are skipped, unless the listener is strict: then the first failure is
// kept and playback is cancelled.
type Listener struct {
	*replay.Replayer
	strict bool
	cancel context.CancelFunc
	err    error
}

func NewListener(r *replay.Replayer, strict bool, cancel context.CancelFunc) *Listener {
	return &Listener{Replayer: r, strict: strict, cancel: cancel}
}

// Notify implements recording.Listener.
func (l *Listener) Notify(ctx context.Context, p *packet.Packet) error {
	err := l.Replayer.Notify(ctx, p)
	if err == nil || !l.strict {
		return nil
	}
	if l.err == nil {
		l.err = fmt.Errorf("packet %d: %w", p.ID, err)
	}
	l.cancel()
	return err
}

// Err returns the failure that stopped a strict replay.
func (l *Listener) Err() error { return l.err }

// Replay plays src through the sample driver, and through rec when it is
// not nil.
func Replay(ctx context.Context, src packet.Source, rec recording.Listener, out io.Writer) (replay.Stats, error) {
	sch, err := common.LoadSchema()
	if err != nil {
		return replay.Stats{}, err
	}
	log := logger.Subsys("replay")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	heap := memory.NewHeap()
	r := replay.New(sch, heap, sample.NewDriver(heap, sample.WithLogger(log)),
		replay.WithLogger(log),
		replay.WithRateLimiter(common.NewRateLimiter(ctx, log)))
	l := NewListener(r, option.Config.ReplayStrict, cancel)

	obs := recording.NewObserver(src, log)
	obs.AddListener(l)
	if rec != nil {
		obs.AddListener(rec)
	}
	err = obs.Run(ctx)
	obs.Close()
	if l.Err() != nil {
		return r.Stats(), l.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.Stats(), err
	}

	st := r.Stats()
	fmt.Fprintf(out, "packets: %d\nreplayed: %d\ndropped: %d\nhandle misses: %d\nresult mismatches: %d\nlive handles: %d\n",
		st.Packets, st.Replayed, st.Dropped, st.HandleMisses, st.ResultMismatches, r.Handles().Total())
	return st, nil
}

func New() *cobra.Command {
	return &cobra.Command{
		Use:     "replay <recording>",
		Short:   "Replay a recording",
		Example: examples,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := recording.OpenSource(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			var rec recording.Listener
			if option.Config.ExportFilename != "" {
				w, err := common.OpenSink(cmd.Context(), uuid.New(), nil)
				if err != nil {
					return err
				}
				rec = w
			}
			_, err = Replay(cmd.Context(), src, rec, cmd.OutOrStdout())
			return err
		},
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package dump

import (
	"errors"
	"fmt"
	"io"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	"github.com/cilium/calltrace/pkg/encoder"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/option"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/schema"
)

const examples = `  # Dump a recording
  calltrace dump trace.ctp

  # Only buffer calls, as JSON
  calltrace dump trace.ctp --dump-calls CreateBuffer,WriteBuffer -o json`

type opts struct {
	output     string
	color      string
	timestamps bool
}

func New() *cobra.Command {
	var o opts
	cmd := &cobra.Command{
		Use:     "dump <recording>",
		Short:   "Print the packets of a recording",
		Example: examples,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := common.LoadSchema()
			if err != nil {
				return err
			}
			var enc encoder.PacketEncoder
			switch o.output {
			case "compact":
				enc = encoder.NewCompactEncoder(cmd.OutOrStdout(), sch, encoder.ColorMode(o.color), o.timestamps)
			case "json":
				enc = encoder.NewJSONEncoder(cmd.OutOrStdout(), sch)
			default:
				return fmt.Errorf("invalid output format %q", o.output)
			}
			src, err := recording.OpenSource(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			return Dump(enc, sch, src, option.Config.DumpCalls)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.output, "output", "o", "compact", "Output format. compact or json")
	flags.StringVar(&o.color, "color", "auto", "Colorize compact output. auto, always or never")
	flags.BoolVar(&o.timestamps, "timestamps", false, "Include capture timestamps in compact output")
	return cmd
}

// Dump encodes the packets of src whose call is in calls, or all of them
// when calls is empty. Undecodable packets are written and logged.
func Dump(enc encoder.PacketEncoder, sch *schema.Schema, src packet.Source, calls []string) error {
	log := logger.GetLogger()
	kinds := mapset.NewThreadUnsafeSet[uint32]()
	for _, name := range calls {
		c, err := sch.CallByName(name)
		if err != nil {
			return err
		}
		kinds.Add(c.Kind)
	}
	for {
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if kinds.Cardinality() > 0 && !kinds.Contains(p.Kind) {
			continue
		}
		if err := enc.Encode(p); err != nil {
			if !errors.Is(err, encoder.ErrUndecodable) {
				return err
			}
			log.Warn("Failed to decode packet", logfields.PacketID, p.ID, logfields.Error, err)
		}
	}
}

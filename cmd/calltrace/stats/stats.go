// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package stats

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	"github.com/cilium/calltrace/pkg/packet"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/schema"
)

// CallStats are the totals of one call kind.
type CallStats struct {
	Name    string
	Kind    uint32
	Packets uint64
	Bytes   uint64
	Dynamic uint64
	Suspect uint64
	Mapped  uint64
	Failed  uint64
}

// Summary describes a recording.
type Summary struct {
	Calls    []*CallStats
	Sessions mapset.Set[uuid.UUID]
	Threads  mapset.Set[uint64]
	Packets  uint64
	Bytes    uint64
}

// Collect reads src to the end and sums its packets per call. Kinds unknown
// to sch are reported by number.
func Collect(sch *schema.Schema, src packet.Source) (*Summary, error) {
	s := &Summary{
		Sessions: mapset.NewThreadUnsafeSet[uuid.UUID](),
		Threads:  mapset.NewThreadUnsafeSet[uint64](),
	}
	byKind := make(map[uint32]*CallStats)
	for {
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cs, ok := byKind[p.Kind]
		if !ok {
			cs = &CallStats{Kind: p.Kind, Name: fmt.Sprintf("kind %d", p.Kind)}
			if c, err := sch.Call(p.Kind); err == nil {
				cs.Name = c.Name
			}
			byKind[p.Kind] = cs
			s.Calls = append(s.Calls, cs)
		}
		cs.Packets++
		cs.Bytes += p.Size()
		cs.Dynamic += uint64(len(p.Dynamic))
		if p.Flags&packet.FlagSuspect != 0 {
			cs.Suspect++
		}
		if p.Flags&packet.FlagShadow != 0 {
			cs.Mapped++
		}
		if p.Result != 0 {
			cs.Failed++
		}
		s.Sessions.Add(p.Session)
		s.Threads.Add(p.Thread)
		s.Packets++
		s.Bytes += p.Size()
	}
	slices.SortFunc(s.Calls, func(a, b *CallStats) int {
		if c := cmp.Compare(b.Packets, a.Packets); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return s, nil
}

// Print writes s as a table.
func (s *Summary) Print(output io.Writer) {
	fmt.Fprintf(output, "%d packets, %s, %d sessions, %d threads\n\n",
		s.Packets, common.HumanizeByteCount(s.Bytes), s.Sessions.Cardinality(), s.Threads.Cardinality())
	// tabwriter config imitates kubectl default output, i.e. 3 spaces padding
	w := tabwriter.NewWriter(output, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CALL\tPACKETS\tSIZE\tDYNAMIC\tSUSPECT\tMAPPED\tFAILED")
	for _, c := range s.Calls {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\n",
			c.Name, c.Packets, common.HumanizeByteCount(c.Bytes), common.HumanizeByteCount(c.Dynamic),
			c.Suspect, c.Mapped, c.Failed)
	}
	w.Flush()
}

func New() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <recording>",
		Short: "Summarize the packets of a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := common.LoadSchema()
			if err != nil {
				return err
			}
			src, err := recording.OpenSource(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			s, err := Collect(sch, src)
			if err != nil {
				return err
			}
			s.Print(cmd.OutOrStdout())
			return nil
		},
	}
}

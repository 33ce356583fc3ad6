// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package index

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	"github.com/cilium/calltrace/pkg/encoder"
	"github.com/cilium/calltrace/pkg/option"
	"github.com/cilium/calltrace/pkg/recording"
	"github.com/cilium/calltrace/pkg/tracedb"
)

const examples = `  # Index a recording, then print packet 42
  calltrace index import trace.ctp --index-file trace.db
  calltrace index get 42 --index-file trace.db`

func open() (*tracedb.DB, error) {
	if option.Config.IndexFile == "" {
		return nil, fmt.Errorf("--%s is required", option.KeyIndexFile)
	}
	return tracedb.Open(option.Config.IndexFile, option.Config.IndexCacheSize)
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "index",
		Short:   "Index recordings for random access",
		Example: examples,
	}
	cmd.AddCommand(
		importCmd(),
		getCmd(),
		kindsCmd(),
		verifyCmd(),
	)
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <recording>...",
		Short: "Add the packets of recordings to the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			for _, path := range args {
				src, err := recording.OpenSource(path)
				if err != nil {
					return err
				}
				n, err := db.Import(cmd.Context(), src)
				src.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d packets\n", path, n)
			}
			sum, err := db.StreamDigest()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "digest: %x\n", sum)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	var color string
	cmd := &cobra.Command{
		Use:   "get <id>...",
		Short: "Print indexed packets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := common.LoadSchema()
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			enc := encoder.NewCompactEncoder(cmd.OutOrStdout(), sch, encoder.ColorMode(color), true)
			for _, arg := range args {
				id, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid packet id %q: %w", arg, err)
				}
				p, err := db.Get(id)
				if err != nil {
					return err
				}
				if err := enc.Encode(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&color, "color", "auto", "Colorize output. auto, always or never")
	return cmd
}

func kindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "Count indexed packets per call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sch, err := common.LoadSchema()
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			counts, err := db.KindCounts()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KIND\tCALL\tPACKETS")
			for _, kc := range counts {
				name := "?"
				if c, err := sch.Call(kc.Kind); err == nil {
					name = c.Name
				}
				fmt.Fprintf(w, "%d\t%s\t%d\n", kc.Kind, name, kc.Count)
			}
			return w.Flush()
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check indexed packets against their digests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Verify(); err != nil {
				return err
			}
			n, err := db.Len()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d packets verified\n", n)
			return nil
		},
	}
}

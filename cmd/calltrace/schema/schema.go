// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package schema

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/cmd/calltrace/common"
	"github.com/cilium/calltrace/pkg/schema"
)

const examples = `  # Print the built-in sample schema
  calltrace schema print

  # Check a schema file and list its calls
  calltrace schema validate api.yaml`

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schema",
		Short:   "Inspect call schemas",
		Example: examples,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "print",
			Short: "Print the schema in use as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				sch, err := common.LoadSchema()
				if err != nil {
					return err
				}
				out, err := sch.Spec().Encode()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Compile a schema file and list its calls",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sch, err := schema.LoadYAML(args[0])
				if err != nil {
					return err
				}
				PrintCalls(cmd.OutOrStdout(), sch)
				return nil
			},
		},
	)
	return cmd
}

// PrintCalls lists the calls of sch with their layout and effects.
func PrintCalls(output io.Writer, sch *schema.Schema) {
	fmt.Fprintf(output, "%s: %d calls, %d handle types\n\n", sch.Name(), len(sch.Calls()), len(sch.Handles()))
	w := tabwriter.NewWriter(output, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KIND\tCALL\tARGS\tBODY\tCREATES\tDESTROYS\tMEMORY")
	for _, c := range sch.Calls() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			c.Kind, c.Name, len(c.Args), c.BodySize, argName(c, c.Creates), argName(c, c.Destroys), c.Memory.Op)
	}
	w.Flush()
}

func argName(c *schema.Call, i int) string {
	if i < 0 {
		return "-"
	}
	return c.Args[i].Name
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/pkg/version"
)

const examples = `  # Print the version
  calltrace version

  # Get build info
  calltrace version --build`

func New() *cobra.Command {
	var build bool
	cmd := &cobra.Command{
		Use:     "version",
		Short:   "Print version",
		Example: examples,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version: %s\n", version.Name, version.Version)
			if build {
				version.ReadBuildInfo().Print(cmd.OutOrStdout())
			}
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&build, "build", "b", false, "Show build information")
	return cmd
}

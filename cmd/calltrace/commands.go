// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package main

import (
	"github.com/spf13/cobra"

	"github.com/cilium/calltrace/cmd/calltrace/demo"
	"github.com/cilium/calltrace/cmd/calltrace/dump"
	"github.com/cilium/calltrace/cmd/calltrace/index"
	"github.com/cilium/calltrace/cmd/calltrace/replay"
	"github.com/cilium/calltrace/cmd/calltrace/schema"
	"github.com/cilium/calltrace/cmd/calltrace/serve"
	"github.com/cilium/calltrace/cmd/calltrace/stats"
	"github.com/cilium/calltrace/cmd/calltrace/version"
)

func addCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(demo.New())
	rootCmd.AddCommand(dump.New())
	rootCmd.AddCommand(index.New())
	rootCmd.AddCommand(replay.New())
	rootCmd.AddCommand(schema.New())
	rootCmd.AddCommand(serve.New())
	rootCmd.AddCommand(stats.New())
	rootCmd.AddCommand(version.New())
}

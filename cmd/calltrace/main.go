// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cilium/calltrace/pkg/defaults"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/logger/logfields"
	"github.com/cilium/calltrace/pkg/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := New().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "calltrace",
		Short:        "Capture and replay driver API calls",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Help()
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := option.ReadAndSetFlags(); err != nil {
				return err
			}
			return logger.SetupLogging(option.Config.LogOpts, option.Config.Debug)
		},
	}
	// by default, it fallbacks to stderr
	rootCmd.SetOut(os.Stdout)

	cobra.OnInitialize(readConfig)

	addCommands(rootCmd)
	flags := rootCmd.PersistentFlags()
	option.AddFlags(flags)
	viper.BindPFlags(flags)
	return rootCmd
}

func readConfig() {
	log := logger.GetLogger()
	viper.SetEnvPrefix("calltrace")
	viper.SetConfigName(defaults.DefaultConfigFile)
	viper.SetConfigType("yaml")
	if viper.IsSet(option.KeyConfigDir) {
		viper.AddConfigPath(viper.GetString(option.KeyConfigDir))
	}
	for _, dir := range defaults.ConfigDirs {
		viper.AddConfigPath(dir)
	}
	if err := viper.ReadInConfig(); err == nil {
		log.Info("Loaded config from file", logfields.Path, viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		log.Warn("Failed to read config file", logfields.Error, err)
	}
	replacer := strings.NewReplacer("-", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

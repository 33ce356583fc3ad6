// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package option

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cilium/calltrace/pkg/defaults"
	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/strutils"
)

const (
	KeyConfigDir = "config-dir"
	KeyDebug     = "debug"
	KeySchema    = "schema"

	KeyLogLevel  = "log-level"
	KeyLogFormat = "log-format"

	KeyMaxPacketSize   = "max-packet-size"
	KeyVerifyRoundtrip = "verify-roundtrip"

	KeyExportFilename             = "export-filename"
	KeyExportFileMaxSizeMB        = "export-file-max-size-mb"
	KeyExportFileRotationInterval = "export-file-rotation-interval"
	KeyExportFileMaxBackups       = "export-file-max-backups"
	KeyExportFileCompress         = "export-file-compress"
	KeyExportZstd                 = "export-zstd"

	KeyCollectorAddress = "collector-address"
	KeyServerAddress    = "server-address"
	KeyMetricsServer    = "metrics-server"
	KeyPidFile          = "pid-file"

	KeyReplayStrict = "replay-strict"
	KeyWarnRate     = "warn-rate"
	KeyWarnInterval = "warn-interval"

	KeyDumpCalls = "dump-calls"

	KeyIndexFile      = "index-file"
	KeyIndexCacheSize = "index-cache-size"
)

func ReadAndSetFlags() error {
	Config.Debug = viper.GetBool(KeyDebug)
	Config.SchemaFile = viper.GetString(KeySchema)

	logLevel := viper.GetString(KeyLogLevel)
	logFormat := viper.GetString(KeyLogFormat)
	logger.PopulateLogOpts(Config.LogOpts, logLevel, logFormat)

	var err error
	if Config.MaxPacketSize, err = strutils.ParseSize(viper.GetString(KeyMaxPacketSize)); err != nil {
		return fmt.Errorf("failed to parse max-packet-size value: %w", err)
	}
	if Config.MaxPacketSize <= 0 {
		return errors.New("failed to parse max-packet-size value. Must be > 0")
	}
	Config.VerifyRoundtrip = viper.GetBool(KeyVerifyRoundtrip)

	Config.ExportFilename = viper.GetString(KeyExportFilename)
	Config.ExportFileMaxSizeMB = viper.GetInt(KeyExportFileMaxSizeMB)
	Config.ExportFileRotationInterval = viper.GetDuration(KeyExportFileRotationInterval)
	Config.ExportFileMaxBackups = viper.GetInt(KeyExportFileMaxBackups)
	Config.ExportFileCompress = viper.GetBool(KeyExportFileCompress)
	Config.ExportZstd = viper.GetBool(KeyExportZstd)
	if Config.ExportZstd {
		// size based rotation is on by default, turn it off unless asked for
		if !viper.IsSet(KeyExportFileMaxSizeMB) {
			Config.ExportFileMaxSizeMB = 0
		}
		if Config.ExportFileMaxSizeMB > 0 || Config.ExportFileRotationInterval > 0 {
			return fmt.Errorf("%s cannot be combined with rotation", KeyExportZstd)
		}
	}

	Config.CollectorAddress = viper.GetString(KeyCollectorAddress)
	Config.ServerAddress = viper.GetString(KeyServerAddress)
	Config.MetricsServer = viper.GetString(KeyMetricsServer)
	Config.PidFile = viper.GetString(KeyPidFile)

	Config.ReplayStrict = viper.GetBool(KeyReplayStrict)
	Config.WarnRate = viper.GetInt(KeyWarnRate)
	Config.WarnInterval = viper.GetDuration(KeyWarnInterval)
	if Config.WarnRate >= 0 && Config.WarnInterval <= 0 {
		return errors.New("failed to parse warn-interval value. Must be > 0")
	}

	var calls []string
	if err = viper.UnmarshalKey(KeyDumpCalls, &calls, viper.DecodeHook(stringToSliceHookFunc(","))); err != nil {
		return fmt.Errorf("failed to parse dump-calls value: %w", err)
	}
	Config.DumpCalls = calls[:0]
	for _, c := range calls {
		if c != "" {
			Config.DumpCalls = append(Config.DumpCalls, c)
		}
	}

	Config.IndexFile = viper.GetString(KeyIndexFile)
	Config.IndexCacheSize = viper.GetInt(KeyIndexCacheSize)
	return nil
}

// stringToSliceHookFunc returns a DecodeHookFunc that converts string to []string
// by splitting on the given sep and removing all leading and trailing white spaces.
func stringToSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.SliceOf(f) {
			return data, nil
		}

		outSlice := []string{}
		for _, s := range strings.Split(data.(string), sep) {
			outSlice = append(outSlice, strings.TrimSpace(s))
		}
		return outSlice, nil
	}
}

func AddFlags(flags *pflag.FlagSet) {
	flags.String(KeyConfigDir, "", "Configuration directory that contains a calltrace.yaml file")
	flags.BoolP(KeyDebug, "d", false, "Enable debug messages. Equivalent to '--log-level=debug'")
	flags.String(KeySchema, "", "Call schema file. The built-in sample schema is used when empty")
	flags.String(KeyLogLevel, "info", "Set log level")
	flags.String(KeyLogFormat, "text", "Set log format")

	flags.String(KeyMaxPacketSize, defaults.DefaultMaxPacketSize, "Maximum size of a single packet (allows K/M/G suffix)")
	flags.Bool(KeyVerifyRoundtrip, false, "Check that every recorded packet decodes back to itself")

	flags.String(KeyExportFilename, "", "Filename for the packet recording. Disabled by default")
	flags.Int(KeyExportFileMaxSizeMB, defaults.DefaultExportFileMaxSizeMB, "Size in MB for rotating recordings. Set to 0 to disable rotation")
	flags.Duration(KeyExportFileRotationInterval, 0, "Interval at which to rotate recordings in addition to rotating them by size")
	flags.Int(KeyExportFileMaxBackups, defaults.DefaultExportFileMaxBackups, "Number of rotated recordings to retain")
	flags.Bool(KeyExportFileCompress, false, "Compress rotated recordings")
	flags.Bool(KeyExportZstd, false, "Write a single zstd compressed recording. Requires rotation to be disabled")

	flags.String(KeyCollectorAddress, "", "Collector address to stream packets to (e.g. 'localhost:54330' or 'unix:///var/run/calltrace/collector.sock')")
	flags.String(KeyServerAddress, defaults.DefaultServerAddress, "Collector listen address (e.g. 'localhost:54330' or 'unix:///var/run/calltrace/collector.sock')")
	flags.String(KeyMetricsServer, "", "Metrics server address (e.g. ':2112'). Disabled by default")
	flags.String(KeyPidFile, "", "PID file written by the collector (e.g. '"+defaults.DefaultRunDir+"calltrace.pid'). Disabled by default")

	flags.Bool(KeyReplayStrict, false, "Stop replaying at the first packet that cannot be replayed")
	flags.Int(KeyWarnRate, defaults.DefaultWarnRate, "Number of per-call warnings logged per warn-interval. Set to -1 to disable rate limiting")
	flags.Duration(KeyWarnInterval, defaults.DefaultWarnInterval, "Interval of the warning rate limit")

	flags.String(KeyDumpCalls, "", "Comma-separated list of calls to dump. All calls are dumped when empty")

	flags.String(KeyIndexFile, "", "Trace index database file")
	flags.Int(KeyIndexCacheSize, defaults.DefaultIndexCacheSize, "Number of decoded packets cached by the trace index")
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package defaults

import "time"

const (
	// DefaultRunDir is the default run directory for runtime
	DefaultRunDir = "/var/run/calltrace/"

	// DefaultServerAddress is the default collector address
	DefaultServerAddress = "localhost:54330"

	// DefaultConfigFile is the configuration file looked up in the config
	// directories.
	DefaultConfigFile = "calltrace"

	// DefaultMaxPacketSize bounds the size of a single packet
	DefaultMaxPacketSize = "16M"

	// DefaultExportFileMaxSizeMB is the size of a recording before rotation
	DefaultExportFileMaxSizeMB = 100

	// DefaultExportFileMaxBackups is the number of rotated recordings kept
	DefaultExportFileMaxBackups = 5

	// DefaultWarnRate is the number of per-call warnings logged per
	// DefaultWarnInterval
	DefaultWarnRate     = 10
	DefaultWarnInterval = time.Minute

	// DefaultIndexCacheSize is the number of packets the index keeps decoded
	DefaultIndexCacheSize = 1024
)

// ConfigDirs are searched, in order, for DefaultConfigFile.
var ConfigDirs = []string{".", "$HOME/.config/calltrace", "/etc/calltrace"}

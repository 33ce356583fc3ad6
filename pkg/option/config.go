// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package option

import (
	"time"

	"github.com/cilium/calltrace/pkg/exporter"
)

// Config contains all the configuration used by calltrace.
var Config = config{
	// LogOpts contains logger parameters
	LogOpts: make(map[string]string),
}

type config struct {
	Debug bool

	// SchemaFile is the call schema. The built-in sample schema is used
	// when empty.
	SchemaFile string

	MaxPacketSize   int
	VerifyRoundtrip bool

	ExportFilename             string
	ExportFileMaxSizeMB        int
	ExportFileRotationInterval time.Duration
	ExportFileMaxBackups       int
	ExportFileCompress         bool
	ExportZstd                 bool

	CollectorAddress string
	ServerAddress    string
	MetricsServer    string
	PidFile          string

	ReplayStrict bool
	WarnRate     int
	WarnInterval time.Duration

	DumpCalls []string

	IndexFile      string
	IndexCacheSize int

	LogOpts map[string]string
}

// FileConfig returns the export file settings.
func (c *config) FileConfig() exporter.FileConfig {
	return exporter.FileConfig{
		Path:             c.ExportFilename,
		MaxSizeMB:        c.ExportFileMaxSizeMB,
		MaxBackups:       c.ExportFileMaxBackups,
		Compress:         c.ExportFileCompress,
		RotationInterval: c.ExportFileRotationInterval,
		Zstd:             c.ExportZstd,
	}
}

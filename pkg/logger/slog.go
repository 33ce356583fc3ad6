// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSlogLogger is replaced by SetupLogging.
var DefaultSlogLogger = newSlogLogger(os.Stderr, slog.LevelInfo, defaultLogFormat)

var slogLevels = map[logrus.Level]slog.Level{
	logrus.TraceLevel: slog.LevelDebug,
	logrus.DebugLevel: slog.LevelDebug,
	logrus.InfoLevel:  slog.LevelInfo,
	logrus.WarnLevel:  slog.LevelWarn,
	logrus.ErrorLevel: slog.LevelError,
	logrus.FatalLevel: slog.LevelError,
	logrus.PanicLevel: slog.LevelError,
}

func newSlogLogger(w io.Writer, level slog.Level, format LogFormat) FieldLogger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: rewriteAttr(format == logFormatTextTimestamp || format == logFormatJSONTimestamp),
	}
	if format == logFormatJSON || format == logFormatJSONTimestamp {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// rewriteAttr lower-cases levels and either drops timestamps or prints them
// as RFC 3339.
func rewriteAttr(timestamps bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if !timestamps {
				return slog.Attr{}
			}
			return slog.String(a.Key, a.Value.Time().Format(time.RFC3339))
		case slog.LevelKey:
			return slog.String(a.Key, strings.ToLower(a.Value.String()))
		}
		return a
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

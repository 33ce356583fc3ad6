// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cilium/calltrace/pkg/logger/logfields"
)

// FieldLogger is the logger handed to components.
type FieldLogger = *slog.Logger

type LogFormat string

const (
	levelOpt  = "level"
	formatOpt = "format"

	logFormatText          LogFormat = "text"
	logFormatJSON          LogFormat = "json"
	logFormatTextTimestamp LogFormat = "text-ts"
	logFormatJSONTimestamp LogFormat = "json-ts"

	defaultLogFormat LogFormat    = logFormatText
	defaultLogLevel  logrus.Level = logrus.InfoLevel
)

// LogOptions maps configuration key-value pairs related to logging.
type LogOptions map[string]string

func (o LogOptions) getLogLevel() (level logrus.Level) {
	l, ok := o[levelOpt]
	if !ok {
		return defaultLogLevel
	}

	var err error
	if level, err = logrus.ParseLevel(l); err != nil {
		DefaultSlogLogger.Warn("Ignoring user-configured log level", logfields.Error, err)
		return defaultLogLevel
	}
	return
}

func (o LogOptions) getLogFormat() LogFormat {
	format, ok := o[formatOpt]
	if !ok {
		return defaultLogFormat
	}

	// It was already validated by PopulateLogOpts()
	return LogFormat(strings.ToLower(format))
}

// PopulateLogOpts populates the logger options making sure that passed values are valid.
func PopulateLogOpts(o LogOptions, level string, format string) {
	if level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			DefaultSlogLogger.Warn("Ignoring user-configured log level", logfields.Error, fmt.Errorf("incorrect log level '%s'", level))
		} else {
			o[levelOpt] = level
		}
	}

	if format != "" {
		format = strings.ToLower(format)
		switch LogFormat(format) {
		case logFormatText, logFormatJSON, logFormatTextTimestamp, logFormatJSONTimestamp:
			o[formatOpt] = format
		default:
			DefaultSlogLogger.Warn("Ignoring user-configured log format",
				logfields.Error, fmt.Errorf("incorrect log format '%s', expected one of text, json, text-ts, json-ts", format))
		}
	}
}

// SetupLogging sets up the default logger, overriding the configured level
// when debug is set.
func SetupLogging(o LogOptions, debug bool) error {
	if debug {
		o[levelOpt] = logrus.DebugLevel.String()
	}
	DefaultSlogLogger = newSlogLogger(os.Stderr, slogLevels[o.getLogLevel()], o.getLogFormat())
	return nil
}

// GetLogger returns the default logger.
func GetLogger() FieldLogger {
	return DefaultSlogLogger
}

// Subsys returns the default logger tagged with a subsystem name.
func Subsys(name string) FieldLogger {
	return DefaultSlogLogger.With(logfields.LogSubsys, name)
}

// Discard returns a logger dropping everything.
func Discard() FieldLogger {
	return slog.New(discardHandler{})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package version

import (
	"fmt"
	"io"
	"runtime/debug"
)

// Version and Name are set at link time.
var (
	Version string
	Name    = "calltrace"
)

type BuildInfo struct {
	GoVersion string
	Commit    string
	Time      string
	Modified  string
}

func ReadBuildInfo() *BuildInfo {
	info := &BuildInfo{}
	buildInfo, ok := debug.ReadBuildInfo()
	if ok {
		info.GoVersion = buildInfo.GoVersion
		// unfortunately, it's not a Go map
		for _, s := range buildInfo.Settings {
			if s.Key == "vcs.revision" {
				info.Commit = s.Value
				continue
			}
			if s.Key == "vcs.time" {
				info.Time = s.Value
				continue
			}
			if s.Key == "vcs.modified" {
				info.Modified = s.Value
				continue
			}
		}
	}
	return info
}

// Print writes the known build information to w.
func (info BuildInfo) Print(w io.Writer) {
	if info.GoVersion != "" {
		fmt.Fprintf(w, "GoVersion: %s\n", info.GoVersion)
	}
	if info.Time != "" {
		fmt.Fprintf(w, "Date: %s\n", info.Time)
	}
	if info.Commit != "" {
		fmt.Fprintf(w, "GitCommit: %s\n", info.Commit)
	}
	if info.Modified != "" {
		var state string
		if info.Modified == "true" {
			state = "dirty"
		} else {
			state = "clean"
		}
		fmt.Fprintf(w, "GitTreeState: %s\n", state)
	}
}

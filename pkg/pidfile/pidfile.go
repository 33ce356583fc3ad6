// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package pidfile

import (
	"bytes"
	"errors"
	"os"
	"strconv"
)

var (
	ErrPidFileAccess   = errors.New("pid file access failed")
	ErrPidIsNotAlive   = errors.New("process is not alive")
	ErrPidIsStillAlive = errors.New("process is already running")
)

func readPidFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// read errors only mean there is no previous instance to check
		return 0, ErrPidFileAccess
	}

	pid, err := strconv.ParseUint(string(bytes.TrimSpace(data)), 10, 32)
	if err != nil {
		return 0, ErrPidFileAccess
	}
	if !isPidAlive(int(pid)) {
		return 0, ErrPidIsNotAlive
	}
	return pid, nil
}

// Create writes the current pid to path.
//
// It returns the pid of the previous instance and ErrPidIsStillAlive if
// path names a running process.
func Create(path string) (uint64, error) {
	pid, err := readPidFile(path)
	if err == nil && pid != 0 && int(pid) != os.Getpid() {
		return pid, ErrPidIsStillAlive
	}

	pid = uint64(os.Getpid())
	return pid, os.WriteFile(path, []byte(strconv.FormatUint(pid, 10)), 0o644)
}

func Delete(path string) error {
	return os.Remove(path)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

//go:build !windows

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isPidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

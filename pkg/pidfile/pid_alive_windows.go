// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package pidfile

import (
	"os"
)

func isPidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

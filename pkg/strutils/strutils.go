// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package strutils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CString turns a string read from traced memory into valid utf-8, dropping
// the terminating NUL and anything after it. Invalid runes are replaced with
// '�'.
func CString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.ToValidUTF8(string(b), "�")
}

// ParseSize parses a byte count with an optional K, M or G suffix.
func ParseSize(str string) (int, error) {
	if str == "" {
		return 0, errors.New("empty size")
	}
	suffix := str[len(str)-1:]

	if !strings.Contains("KMG", suffix) {
		return strconv.Atoi(str)
	}

	val, err := strconv.Atoi(str[0 : len(str)-1])
	if err != nil {
		return 0, err
	}

	switch suffix {
	case "K":
		return val * 1024, nil
	case "M":
		return val * 1024 * 1024, nil
	case "G":
		return val * 1024 * 1024 * 1024, nil
	}

	// never reached
	return 0, nil
}

func SizeWithSuffix(size int) string {
	suffix := [4]string{"", "K", "M", "G"}

	i := 0
	for size > 1024 && i < 3 {
		size = size / 1024
		i++
	}

	return fmt.Sprintf("%d%s", size, suffix[i])
}

// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package strutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		str string
		err bool
		val int
	}{
		{"1K", false, 1024},
		{"256M", false, 256 * 1024 * 1024},
		{"10G", false, 10 * 1024 * 1024 * 1024},
		{"4096", false, 4096},
		{"10k", true, 0},
		{"abc", true, 0},
		{"abcM", true, 0},
		{"", true, 0},
	}

	for _, test := range tests {
		val, err := ParseSize(test.str)
		assert.Equal(t, test.val, val, test.str)
		assert.Equal(t, test.err, err != nil, test.str)
	}
}

func TestSizeWithSuffix(t *testing.T) {
	assert.Equal(t, "512", SizeWithSuffix(512))
	assert.Equal(t, "16M", SizeWithSuffix(16<<20+1))
	assert.Equal(t, "2G", SizeWithSuffix(2<<30+1))
}

func TestCString(t *testing.T) {
	assert.Equal(t, "name", CString([]byte("name\x00junk")))
	assert.Equal(t, "a�b", CString([]byte{'a', 0xff, 'b'}))
	assert.Equal(t, "", CString(nil))
}

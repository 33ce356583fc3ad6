// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func Test_getLimit(t *testing.T) {
	eps := 1e-9

	assert.InDelta(t, float64(rate.Limit(0)), float64(getLimit(0, time.Minute)), eps)
	assert.InDelta(t, float64(rate.Limit(0)), float64(getLimit(0, 0)), eps)
	assert.InEpsilon(t, float64(rate.Limit(1)), float64(getLimit(60, time.Minute)), eps)
	assert.InEpsilon(t, float64(rate.Limit(10.0/60)), float64(getLimit(10, time.Minute)), eps)
	// 1/ms => 1000/second
	assert.InEpsilon(t, float64(rate.Limit(1000)), float64(getLimit(1, time.Millisecond)), eps)

	// interval<=0 => infinite rate limit (allow all events)
	assert.InEpsilon(t, float64(rate.Inf), float64(getLimit(1, 0)), eps)
	assert.InEpsilon(t, float64(rate.Inf), float64(getLimit(1, -1)), eps)
}

func TestAllowCountsDrops(t *testing.T) {
	r := NewRateLimiter(time.Hour, 2)
	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())
	assert.False(t, r.Allow())
	assert.Equal(t, uint64(2), r.Dropped())
	assert.Zero(t, r.Dropped())
}

func TestNilAllowsEverything(t *testing.T) {
	r := NewRateLimiter(time.Second, -1)
	assert.Nil(t, r)
	for range 10 {
		assert.True(t, r.Allow())
	}
	assert.Zero(t, r.Dropped())
}

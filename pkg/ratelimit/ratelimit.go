// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package ratelimit

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/metrics/tracemetrics"
)

// RateLimiter throttles warnings that may fire once per call, such as
// missing handle mappings, and counts the suppressed ones. A nil RateLimiter
// allows everything.
type RateLimiter struct {
	*rate.Limiter
	dropped atomic.Uint64
}

// getLimit converts an numEvents and interval to rate.Limit which is a floating point value
// representing number of events per second.
func getLimit(numEvents int, interval time.Duration) rate.Limit {
	if numEvents == 0 {
		return 0
	}
	return rate.Every(interval / time.Duration(numEvents))
}

// NewRateLimiter allows numEvents per interval, in bursts of up to
// numEvents. A negative numEvents disables limiting.
func NewRateLimiter(interval time.Duration, numEvents int) *RateLimiter {
	if numEvents < 0 {
		return nil
	}
	return &RateLimiter{
		Limiter: rate.NewLimiter(getLimit(numEvents, interval), numEvents),
	}
}

// Allow reports whether an event may happen now. Refused events are counted
// as dropped.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.Limiter.Allow() {
		return true
	}
	r.Drop()
	return false
}

func (r *RateLimiter) Drop() {
	r.dropped.Inc()
	tracemetrics.WarningsSuppressed.Inc()
}

// Dropped returns the number of events dropped since the last call.
func (r *RateLimiter) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Swap(0)
}

// Report logs the number of dropped events every interval until ctx is done.
func (r *RateLimiter) Report(ctx context.Context, interval time.Duration, log logger.FieldLogger) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := r.Dropped(); dropped > 0 {
				log.Warn("Suppressed rate limited warnings", "dropped", dropped)
			}
		case <-ctx.Done():
			return
		}
	}
}

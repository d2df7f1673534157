package stream

import (
	"math/rand"
	"time"
)

// BackoffPolicy bounds the reconnect delay a subscription manager applies
// after its notification channel closes (spec §4.4 "reconnection uses
// bounded exponential backoff").
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

// DefaultBackoffPolicy mirrors common LISTEN/NOTIFY reconnect guidance:
// start fast, cap at half a minute.
var DefaultBackoffPolicy = BackoffPolicy{BaseMs: 100, MaxMs: 30_000, MaxJitterMs: 250}

// ComputeBackoff returns the delay before reconnect attempt attempt (0
// for the first retry). Unlike a replayable effect pipeline, a dropped
// subscription has no deterministic replay requirement, so the jitter
// here is wall-clock random rather than seeded from the attempt's
// identity.
func ComputeBackoff(attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	var jitter int64
	if policy.MaxJitterMs > 0 {
		jitter = rand.Int63n(policy.MaxJitterMs)
	}

	return time.Duration(delay+jitter) * time.Millisecond
}

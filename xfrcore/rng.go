/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"math/rand"
	"time"
)

// JitterSource is the pluggable RNG behind retry-interval jitter (§9
// DESIGN NOTES: "randomised retry jitter, 90-100% of interval, exposed as
// a pluggable RNG for reproducible tests").
type JitterSource interface {
	// Float64 returns a value in [0.0, 1.0).
	Float64() float64
}

// DefaultJitterSource wraps math/rand's package-level source.
type DefaultJitterSource struct{}

func (DefaultJitterSource) Float64() float64 { return rand.Float64() }

// FixedJitterSource is a test double returning a constant value.
type FixedJitterSource float64

func (f FixedJitterSource) Float64() float64 { return float64(f) }

// Jitter scales interval to somewhere in [0.9*interval, 1.0*interval),
// matching the source's 90-100% retry jitter band.
func Jitter(src JitterSource, interval time.Duration) time.Duration {
	frac := 0.9 + 0.1*src.Float64()
	return time.Duration(float64(interval) * frac)
}

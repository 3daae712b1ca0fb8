package stealth

import (
	"math/rand"
	"time"
)

// newRand returns a freshly seeded generator. Pause helpers run concurrently
// from several workflow goroutines, so each call gets its own source rather
// than sharing one rand.Rand.
func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// durationBetween draws a uniform duration from [loMs, hiMs] milliseconds.
// Negative and inverted bounds are clamped rather than rejected so callers
// can pass raw config values.
func durationBetween(r *rand.Rand, loMs, hiMs int) time.Duration {
	if loMs < 0 {
		loMs = 0
	}
	if hiMs < loMs {
		hiMs = loMs
	}
	return time.Duration(loMs+r.Intn(hiMs-loMs+1)) * time.Millisecond
}

// RandomDelay returns a duration between the given bounds (ms).
func RandomDelay(minMs, maxMs int) time.Duration {
	return durationBetween(newRand(), minMs, maxMs)
}

// RandomDelaySeconds returns a duration between the given bounds (s). Used
// for the long waits between leads and between messages.
func RandomDelaySeconds(minSec, maxSec int) time.Duration {
	return RandomDelay(minSec*1000, maxSec*1000)
}

// ShortPause sleeps a fraction of the configured action delay. It covers the
// beat between subtle actions, like focusing a field before typing into it.
func ShortPause(minDelayMs int) {
	time.Sleep(RandomDelay(max(40, minDelayMs/6), max(80, minDelayMs/4)))
}

// ThinkPause sleeps at least 400ms and models the hesitation before a
// decisive action, like hitting send. Configured delays stretch it further.
func ThinkPause(minDelayMs, maxDelayMs int) {
	lo := max(minDelayMs, 400)
	time.Sleep(RandomDelay(lo, max(maxDelayMs, lo+400)))
}

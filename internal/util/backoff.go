package util

import (
	"math"
	"math/rand"
	"time"
)

// Backoff doubles initial per attempt up to max with +/-20% jitter.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// SleepContext waits for d and reports false if done closed first.
func SleepContext(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

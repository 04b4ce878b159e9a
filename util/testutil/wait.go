package testutil

import (
	"testing"
	"time"
)

// WaitFor polls a condition function until it returns true or times out.
// It's useful for waiting on asynchronous operations in tests, such as
// background sweeps evicting a connection.
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "idle connection to be evicted", func() bool {
//	    return gov.Stats().Total == 0
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	start := time.Now()

	// Check immediately first
	if condition() {
		return
	}

	tickerInterval := 20 * time.Millisecond
	if timeout < tickerInterval {
		timeout = tickerInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v)", message, time.Since(start))
		}
	}
}

package test

import (
	"testing"
)

// AssertIdempotent runs fn twice against the same state. Applying the same
// hits or records again must not change what fn observes.
func AssertIdempotent(t *testing.T, fn func(*testing.T)) {
	t.Helper()
	for run := 1; run <= 2; run++ {
		fn(t)
		if !t.Failed() {
			continue
		}
		if run == 2 {
			t.Fatal("repeating the operation changed the result")
		}
		return
	}
}

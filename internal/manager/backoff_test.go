package manager

import (
	"testing"
	"time"
)

func TestErrorBackoffGrowsAndCaps(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	within := func(d, target time.Duration) bool {
		low := target - target/5
		high := target + target/5
		return d >= low && d <= high
	}

	if d := errorBackoff(base, max, 1); !within(d, 2*time.Second) {
		t.Fatalf("first backoff %v not near 2s", d)
	}
	if d := errorBackoff(base, max, 3); !within(d, 8*time.Second) {
		t.Fatalf("third backoff %v not near 8s", d)
	}
	for i := 0; i < 20; i++ {
		if d := errorBackoff(base, max, 10); d > max+max/5 {
			t.Fatalf("backoff %v exceeds cap with jitter", d)
		}
	}
}

func TestErrorBackoffTreatsZeroCountAsOne(t *testing.T) {
	base := time.Second
	if d := errorBackoff(base, 10*time.Second, 0); d > 2*base {
		t.Fatalf("zero-count backoff %v unexpectedly large", d)
	}
}

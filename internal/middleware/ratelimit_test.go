package middleware

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	if !rl.Allow("p1") {
		t.Fatalf("expected allow")
	}
	if !rl.Allow("p1") {
		t.Fatalf("expected allow")
	}
	if rl.Allow("p1") {
		t.Fatalf("expected deny")
	}
	if !rl.Allow("p2") {
		t.Fatalf("keys must not share a window")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !rl.Allow("p1") {
		t.Fatalf("expected allow after window")
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return clock })
	rl.Allow("a")
	rl.Allow("b")

	if n := rl.evict(); n != 0 {
		t.Fatalf("expected nothing evicted, got %d", n)
	}
	clock = clock.Add(2 * time.Minute)
	if n := rl.evict(); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
}

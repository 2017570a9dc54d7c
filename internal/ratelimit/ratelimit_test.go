package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = c.now
	return l, c
}

func TestLimiterBurstAndRefill(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("ann"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("ann"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Other callers keep their own bucket.
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	c.advance(time.Second)
	if err := l.Allow("ann"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
	if err := l.Allow("ann"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after single refill, got %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("ann"); err != nil {
			t.Fatal(err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited mode should not track callers, got %d", l.Len())
	}
}

func TestLimiterBurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 2})
	_ = l.Allow("ann")
	_ = l.Allow("ann")
	if err := l.Allow("ann"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiterPrune(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 10})
	_ = l.Allow("ann")
	c.advance(5 * time.Second)
	_ = l.Allow("bob")

	c.advance(6 * time.Second)
	if n := l.Prune(); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}

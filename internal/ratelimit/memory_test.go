package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	m := NewMemoryLimiter(time.Hour)
	defer m.Close()

	ctx := context.Background()
	const limit = 3
	const windowMS = 10_000

	for i := 0; i < limit; i++ {
		dec, err := m.Check(ctx, "k", limit, windowMS)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}

	dec, err := m.Check(ctx, "k", limit, windowMS)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("request %d: expected denied", limit+1)
	}
	if dec.RetryAfterSeconds <= 0 {
		t.Fatalf("expected positive RetryAfterSeconds, got %d", dec.RetryAfterSeconds)
	}
}

func TestMemoryLimiterNewWindowAfterReset(t *testing.T) {
	m := NewMemoryLimiter(time.Hour)
	defer m.Close()

	ctx := context.Background()
	dec, _ := m.Check(ctx, "k", 1, 1) // 1ms window
	if !dec.Allowed {
		t.Fatalf("first request should be allowed")
	}
	time.Sleep(5 * time.Millisecond)
	dec, _ = m.Check(ctx, "k", 1, 1)
	if !dec.Allowed {
		t.Fatalf("request after reset should be allowed")
	}
}

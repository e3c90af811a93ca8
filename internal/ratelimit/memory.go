package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
	reset time.Time
}

// MemoryLimiter is the process-local fixed-window backend. A periodic
// sweep (≈60s by default) removes windows that have already reset and
// seen no further activity, bounding memory for long-lived key spaces
// (e.g. per-IP).
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	stopCh  chan struct{}
}

func NewMemoryLimiter(sweepEvery time.Duration) *MemoryLimiter {
	if sweepEvery <= 0 {
		sweepEvery = 60 * time.Second
	}
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	go m.sweepLoop(sweepEvery)
	return m
}

func (m *MemoryLimiter) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			now := time.Now()
			for k, w := range m.windows {
				if now.After(w.reset) {
					delete(m.windows, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryLimiter) Check(_ context.Context, key string, limit int, windowMS int64) (Decision, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w == nil || !now.Before(w.reset) {
		w = &window{count: 0, start: now, reset: now.Add(time.Duration(windowMS) * time.Millisecond)}
		m.windows[key] = w
	}

	if w.count >= limit {
		retryAfter := int(math.Ceil(w.reset.Sub(now).Seconds()))
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, TotalHits: w.count, Remaining: 0, ResetTime: w.reset, RetryAfterSeconds: retryAfter}, nil
	}

	w.count++
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, TotalHits: w.count, Remaining: remaining, ResetTime: w.reset}, nil
}

func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.windows, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLimiter) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	_, ok := m.windows[key]
	delete(m.windows, key)
	m.mu.Unlock()
	return ok, nil
}

func (m *MemoryLimiter) Close() error {
	close(m.stopCh)
	return nil
}

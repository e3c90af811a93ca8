package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	r := NewRegistry(Config{}, time.Hour)
	defer r.Close()

	cfg := Config{Threshold: 3, Window: 10 * time.Second, Timeout: 200 * time.Millisecond}
	key := Key("route-1", "http://replica-a")

	for i := 0; i < cfg.Threshold; i++ {
		if !r.CanExecute(key, cfg) {
			t.Fatalf("call %d: expected CLOSED breaker to allow", i+1)
		}
		r.RecordFailure(key, cfg)
	}

	if r.Stat(key).State != Open {
		t.Fatalf("expected OPEN after %d failures, got %s", cfg.Threshold, r.Stat(key).State)
	}
	if r.CanExecute(key, cfg) {
		t.Fatalf("expected OPEN breaker to reject calls")
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	r := NewRegistry(Config{}, time.Hour)
	defer r.Close()

	cfg := Config{Threshold: 1, Window: 10 * time.Second, Timeout: 20 * time.Millisecond}
	key := Key("route-1", "http://replica-a")

	r.CanExecute(key, cfg)
	r.RecordFailure(key, cfg)
	if r.Stat(key).State != Open {
		t.Fatalf("expected OPEN")
	}

	time.Sleep(30 * time.Millisecond)

	if !r.CanExecute(key, cfg) {
		t.Fatalf("expected HALF_OPEN probe to be admitted after timeout")
	}
	if r.Stat(key).State != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", r.Stat(key).State)
	}
	if r.CanExecute(key, cfg) {
		t.Fatalf("expected second concurrent call to be rejected while a probe is in flight")
	}

	r.RecordSuccess(key)
	if r.Stat(key).State != Closed {
		t.Fatalf("expected CLOSED after successful probe, got %s", r.Stat(key).State)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	r := NewRegistry(Config{}, time.Hour)
	defer r.Close()

	cfg := Config{Threshold: 1, Window: 10 * time.Second, Timeout: 20 * time.Millisecond}
	key := Key("route-1", "http://replica-a")

	r.CanExecute(key, cfg)
	r.RecordFailure(key, cfg)
	time.Sleep(30 * time.Millisecond)
	r.CanExecute(key, cfg) // admits the probe, transitions to HALF_OPEN

	r.RecordFailure(key, cfg)
	if r.Stat(key).State != Open {
		t.Fatalf("expected OPEN after failed probe, got %s", r.Stat(key).State)
	}
}

func TestBreakerWindowSlidesOutOldFailures(t *testing.T) {
	r := NewRegistry(Config{}, time.Hour)
	defer r.Close()

	cfg := Config{Threshold: 2, Window: 20 * time.Millisecond, Timeout: time.Second}
	key := Key("route-1", "http://replica-a")

	r.RecordFailure(key, cfg)
	time.Sleep(30 * time.Millisecond)
	r.RecordFailure(key, cfg)

	if r.Stat(key).State != Closed {
		t.Fatalf("expected CLOSED: the first failure should have aged out of the window")
	}
}

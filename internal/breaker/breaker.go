// Package breaker implements a per-(route,replica) circuit breaker: a
// sliding time-window failure count driving a CLOSED/OPEN/HALF_OPEN state
// machine. Instances live in a per-key map guarded by one registry mutex,
// short critical sections, no I/O while holding a lock — and the window is
// keyed by (route id, replica URL) since replicas of the same route can
// fail independently.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config is the policy for one route (or the gateway default).
type Config struct {
	Threshold int           // failures within Window to trip the breaker
	Window    time.Duration // sliding window over which failures are counted
	Timeout   time.Duration // time OPEN must elapse before a HALF_OPEN probe
}

// ErrOpen is returned by CanExecute when the breaker is not allowing calls.
type ErrOpen struct {
	Key         string
	NextAttempt time.Time
}

func (e *ErrOpen) Error() string { return "circuit breaker open for " + e.Key }

// Stats describes one breaker instance for the admin surface.
type Stats struct {
	Key          string
	State        State
	FailureCount int
	NextAttempt  time.Time
}

type instance struct {
	mu          sync.Mutex
	state       State
	failures    []time.Time
	nextAttempt time.Time
	halfOpenBsy bool
	lastUsed    time.Time
}

// Registry owns one instance per (route id, replica URL) key.
type Registry struct {
	mu         sync.Mutex
	instances  map[string]*instance
	defaultCfg Config
	stopCh     chan struct{}
}

func NewRegistry(defaultCfg Config, idleSweepEvery time.Duration) *Registry {
	r := &Registry{
		instances:  make(map[string]*instance),
		defaultCfg: defaultCfg,
		stopCh:     make(chan struct{}),
	}
	if idleSweepEvery > 0 {
		go r.sweepIdle(idleSweepEvery)
	}
	return r
}

func Key(routeID, replicaURL string) string {
	return routeID + "|" + replicaURL
}

func (r *Registry) get(key string) *instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	if !ok {
		inst = &instance{lastUsed: time.Now()}
		r.instances[key] = inst
	}
	return inst
}

// CanExecute reports whether a call for key may proceed, transitioning
// OPEN -> HALF_OPEN once Timeout has elapsed and admitting exactly one
// trial call while HALF_OPEN.
func (r *Registry) CanExecute(key string, cfg Config) bool {
	inst := r.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.lastUsed = time.Now()

	switch inst.state {
	case Closed:
		return true
	case Open:
		if time.Now().Before(inst.nextAttempt) {
			return false
		}
		inst.state = HalfOpen
		inst.halfOpenBsy = true
		return true
	case HalfOpen:
		if inst.halfOpenBsy {
			return false
		}
		inst.halfOpenBsy = true
		return true
	default:
		return true
	}
}

func (r *Registry) RecordSuccess(key string) {
	inst := r.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.lastUsed = time.Now()
	inst.state = Closed
	inst.failures = inst.failures[:0]
	inst.halfOpenBsy = false
}

// RecordFailure appends a failure timestamp, trims the window, and trips
// the breaker to OPEN if the threshold is met (or immediately, if the
// failing call was the HALF_OPEN probe).
func (r *Registry) RecordFailure(key string, cfg Config) {
	inst := r.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	now := time.Now()
	inst.lastUsed = now

	wasHalfOpen := inst.state == HalfOpen
	inst.halfOpenBsy = false

	inst.failures = append(inst.failures, now)
	inst.failures = trim(inst.failures, now, cfg.Window)

	if wasHalfOpen || len(inst.failures) >= cfg.Threshold {
		inst.state = Open
		inst.nextAttempt = now.Add(cfg.Timeout)
	}
}

func trim(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// Reset forces key back to CLOSED, used by the admin surface.
func (r *Registry) Reset(key string) {
	inst := r.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.state = Closed
	inst.failures = nil
	inst.halfOpenBsy = false
	inst.nextAttempt = time.Time{}
}

func (r *Registry) Stat(key string) Stats {
	inst := r.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Stats{Key: key, State: inst.state, FailureCount: len(inst.failures), NextAttempt: inst.nextAttempt}
}

func (r *Registry) All() []Stats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	out := make([]Stats, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.Stat(k))
	}
	return out
}

func (r *Registry) Close() { close(r.stopCh) }

// sweepIdle drops CLOSED instances that have seen no traffic in 5 minutes
// (OPEN and HALF_OPEN instances are kept), since
// replicas can be removed at runtime via the admin surface and should not
// leak breaker state forever.
func (r *Registry) sweepIdle(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			r.mu.Lock()
			for k, inst := range r.instances {
				inst.mu.Lock()
				idle := inst.lastUsed.Before(cutoff) && inst.state == Closed
				inst.mu.Unlock()
				if idle {
					delete(r.instances, k)
				}
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

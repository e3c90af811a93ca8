package mw

import (
	"net/http"

	"github.com/nexagate/apigw/internal/httpapi"
)

// Semaphore is a tiny counting semaphore bounding per-route in-flight
// requests, a resiliency guard supplementary to the Load Balancer's
// least-connections counters — it protects a route even when its policy
// does not track concurrency.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(maxInFlight int) *Semaphore {
	if maxInFlight <= 0 {
		return &Semaphore{ch: nil}
	}
	return &Semaphore{ch: make(chan struct{}, maxInFlight)}
}

func (s *Semaphore) Enabled() bool { return s != nil && s.ch != nil }
func (s *Semaphore) Cap() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return cap(s.ch)
}
func (s *Semaphore) InUse() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return len(s.ch)
}

func (s *Semaphore) TryAcquire() bool {
	if s == nil || s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if s == nil || s.ch == nil {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// ConcurrencyLimit rejects requests once a route is at its configured
// max in-flight count.
func ConcurrencyLimit(sem *Semaphore, next http.Handler) http.Handler {
	if sem == nil || !sem.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire() {
			err := httpapi.New(httpapi.KindServiceUnavailable, "route is at max concurrency").
				WithDetails(map[string]any{"route": RouteName(r.Context()), "max_in_flight": sem.Cap()})
			httpapi.Write(w, RID(r.Context()), err)
			return
		}
		defer sem.Release()
		next.ServeHTTP(w, r)
	})
}

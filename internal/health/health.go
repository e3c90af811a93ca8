// Package health runs one goroutine per route polling its replicas on an
// interval and updating registry state.
//
// healthy_threshold/unhealthy_threshold are honored as consecutive-probe
// hysteresis counters — a replica flips unhealthy only after
// unhealthy_threshold consecutive failed probes, and back to healthy only
// after healthy_threshold consecutive successful ones. A single flaky
// probe must not flap a replica in and out of the load balancer's pool.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nexagate/apigw/internal/registry"
)

// Thresholds bundles the hysteresis counters with the probe cadence.
type Thresholds struct {
	Interval          time.Duration
	Timeout           time.Duration
	HealthyThreshold  int // consecutive successes required to mark healthy
	UnhealthyThreshold int // consecutive failures required to mark unhealthy
}

type streak struct {
	consecutiveOK   int
	consecutiveFail int
}

// Monitor polls every route's replicas and feeds results back into the
// registry.
type Monitor struct {
	reg        *registry.Registry
	client     *http.Client
	log        *slog.Logger
	streaksMu  sync.Mutex
	streaks    map[string]*streak // keyed by routeID+"|"+baseURL, guarded by streaksMu

	cancel context.CancelFunc
}

func New(reg *registry.Registry, log *slog.Logger) *Monitor {
	return &Monitor{
		reg:     reg,
		client:  &http.Client{},
		log:     log,
		streaks: make(map[string]*streak),
	}
}

// Start launches one polling goroutine per route currently in the
// registry. Routes added later via the admin surface are not picked up;
// the admin route-CRUD handlers do not restart the monitor.
func (m *Monitor) Start(ctx context.Context, perRoute map[string]Thresholds, defaults Thresholds) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, route := range m.reg.List() {
		th := defaults
		if override, ok := perRoute[route.ID]; ok {
			th = override
		}
		go m.pollRoute(ctx, route, th)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// ReplicaStreak reports one (route, replica) pair's current hysteresis
// counters for the admin surface.
type ReplicaStreak struct {
	RouteID         string
	BaseURL         string
	ConsecutiveOK   int
	ConsecutiveFail int
}

// Stats snapshots the consecutive-success/failure streaks this monitor is
// tracking for every replica it has probed at least once.
func (m *Monitor) Stats() []ReplicaStreak {
	m.streaksMu.Lock()
	defer m.streaksMu.Unlock()
	out := make([]ReplicaStreak, 0, len(m.streaks))
	for key, s := range m.streaks {
		routeID, baseURL, _ := strings.Cut(key, "|")
		out = append(out, ReplicaStreak{
			RouteID:         routeID,
			BaseURL:         baseURL,
			ConsecutiveOK:   s.consecutiveOK,
			ConsecutiveFail: s.consecutiveFail,
		})
	}
	return out
}

func (m *Monitor) pollRoute(ctx context.Context, route *registry.Route, th Thresholds) {
	if th.Interval <= 0 {
		th.Interval = 10 * time.Second
	}
	if th.Timeout <= 0 {
		th.Timeout = 2 * time.Second
	}
	if th.HealthyThreshold <= 0 {
		th.HealthyThreshold = 1
	}
	if th.UnhealthyThreshold <= 0 {
		th.UnhealthyThreshold = 1
	}

	t := time.NewTicker(th.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, rep := range route.Replicas {
				m.probe(ctx, route, rep, th)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context, route *registry.Route, rep *registry.Replica, th Thresholds) {
	healthPath := route.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	reqCtx, cancel := context.WithTimeout(ctx, th.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rep.BaseURL+healthPath, nil)
	ok := false
	start := time.Now()
	if err == nil {
		resp, err := m.client.Do(req)
		if err == nil {
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
		}
	}
	if ok {
		m.reg.UpdateReplicaLatency(route.ID, rep.BaseURL, float64(time.Since(start).Milliseconds()))
	}

	key := route.ID + "|" + rep.BaseURL
	m.streaksMu.Lock()
	s, exists := m.streaks[key]
	if !exists {
		s = &streak{}
		m.streaks[key] = s
	}
	m.streaksMu.Unlock()

	wasHealthy := rep.Healthy
	if ok {
		s.consecutiveOK++
		s.consecutiveFail = 0
		if !wasHealthy && s.consecutiveOK >= th.HealthyThreshold {
			m.reg.UpdateReplicaHealth(route.ID, rep.BaseURL, true)
			if m.log != nil {
				m.log.Info("replica recovered", "route", route.Name, "replica", rep.BaseURL)
			}
		}
	} else {
		s.consecutiveFail++
		s.consecutiveOK = 0
		if wasHealthy && s.consecutiveFail >= th.UnhealthyThreshold {
			m.reg.UpdateReplicaHealth(route.ID, rep.BaseURL, false)
			if m.log != nil {
				m.log.Warn("replica degraded", "route", route.Name, "replica", rep.BaseURL)
			}
		}
	}
}

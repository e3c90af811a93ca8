// Package registry holds the set of registered routes keyed by
// method+path pattern, their replica sets, and `:name`/`*` pattern
// matching with specificity-first tie-break, along with mutable
// per-replica health/latency state.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Replica struct {
	BaseURL     string
	Weight      int
	Healthy     bool
	LastCheck   time.Time
	LatencyMS   float64
	ErrorCount  int
	SuccessCount int
}

// Route is one registered (method, path pattern) pair.
type Route struct {
	ID               string
	Method           string
	Path             string // pattern, e.g. "/api/users/:id" or "/api/files/*"
	Name             string
	Public           bool
	Active           bool
	Replicas         []*Replica
	LoadBalancer     string
	HealthPath       string
	HealthIntervalMS int64
	HealthTimeoutMS  int64
	RequestTimeoutMS int64
	Retries          int
	RequiredRoles    []string
	RequiredPerms    []string
	PermissionLogic  string

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerWindowMS  int64
	BreakerTimeoutMS int64

	// MaxInFlight caps concurrent requests admitted to this route, 0 means
	// unbounded. Supplements the load balancer's own connection tracking
	// for routes that want a hard ceiling regardless of policy.
	MaxInFlight int

	segments []segment
}

type segment struct {
	literal  string
	isParam  bool
	isSplat  bool
	paramKey string
}

func compile(path string) []segment {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		switch {
		case p == "*":
			segs = append(segs, segment{isSplat: true})
		case strings.HasPrefix(p, ":"):
			segs = append(segs, segment{isParam: true, paramKey: strings.TrimPrefix(p, ":")})
		default:
			segs = append(segs, segment{literal: p})
		}
	}
	return segs
}

// specificity is the number of leading literal segments before any
// parameter or splat segment; higher specificity wins ties between
// patterns that both match a given path.
func (r *Route) specificity() int {
	n := 0
	for _, s := range r.segments {
		if s.isParam || s.isSplat {
			break
		}
		n++
	}
	return n
}

func (r *Route) match(path string) (map[string]string, bool) {
	reqParts := strings.Split(strings.Trim(path, "/"), "/")
	params := map[string]string{}
	for i, seg := range r.segments {
		if seg.isSplat {
			return params, true
		}
		if i >= len(reqParts) {
			return nil, false
		}
		if seg.isParam {
			params[seg.paramKey] = reqParts[i]
			continue
		}
		if seg.literal != reqParts[i] {
			return nil, false
		}
	}
	if len(reqParts) != len(r.segments) {
		return nil, false
	}
	return params, true
}

// Registry holds all registered routes, safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*Route // keyed by ID
}

func New() *Registry {
	return &Registry{routes: make(map[string]*Route)}
}

func (r *Registry) Put(route *Route) *Route {
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	route.segments = compile(route.Path)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.ID] = route
	return route
}

func (r *Registry) Get(id string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[id]
	return route, ok
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[id]; !ok {
		return false
	}
	delete(r.routes, id)
	return true
}

func (r *Registry) List() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	return out
}

// FindMatch returns the active route matching method+path with the
// highest specificity: an exact literal match always beats a pattern
// match, and among pattern matches the one with the longest literal
// prefix wins.
func (r *Registry) FindMatch(method, path string) (*Route, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Route
	var bestParams map[string]string
	bestSpecificity := -1
	bestExact := false

	for _, route := range r.routes {
		if !route.Active || !strings.EqualFold(route.Method, method) {
			continue
		}
		params, ok := route.match(path)
		if !ok {
			continue
		}
		spec := route.specificity()
		exact := spec == len(route.segments)
		if spec > bestSpecificity || (spec == bestSpecificity && exact && !bestExact) {
			best, bestParams, bestSpecificity, bestExact = route, params, spec, exact
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best, bestParams, true
}

func (r *Registry) HealthyReplicas(routeID string) []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[routeID]
	if !ok {
		return nil
	}
	out := make([]*Replica, 0, len(route.Replicas))
	for _, rep := range route.Replicas {
		if rep.Healthy {
			out = append(out, rep)
		}
	}
	return out
}

func (r *Registry) UpdateReplicaHealth(routeID, baseURL string, healthy bool) {
	r.mu.RLock()
	route, ok := r.routes[routeID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	for _, rep := range route.Replicas {
		if rep.BaseURL == baseURL {
			rep.Healthy = healthy
			rep.LastCheck = time.Now()
			if healthy {
				rep.SuccessCount++
				if rep.ErrorCount > 0 {
					rep.ErrorCount--
				}
			} else {
				rep.ErrorCount++
			}
			return
		}
	}
}

func (r *Registry) UpdateReplicaLatency(routeID, baseURL string, latencyMS float64) {
	r.mu.RLock()
	route, ok := r.routes[routeID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	for _, rep := range route.Replicas {
		if rep.BaseURL == baseURL {
			rep.LatencyMS = latencyMS
			return
		}
	}
}

// Seed registers the two demo routes a fresh gateway starts with when no
// routes are configured.
func Seed(r *Registry) {
	r.Put(&Route{
		Method: "GET", Path: "/api/users", Name: "users", Active: true,
		HealthPath: "/health", LoadBalancer: "round-robin",
		BreakerEnabled: true, BreakerThreshold: 5, BreakerWindowMS: 10_000, BreakerTimeoutMS: 30_000,
		Replicas: []*Replica{{BaseURL: "http://localhost:4001", Weight: 1, Healthy: true}},
	})
	r.Put(&Route{
		Method: "GET", Path: "/api/orders", Name: "orders", Active: true,
		HealthPath: "/health", LoadBalancer: "round-robin",
		BreakerEnabled: true, BreakerThreshold: 5, BreakerWindowMS: 10_000, BreakerTimeoutMS: 30_000,
		Replicas: []*Replica{{BaseURL: "http://localhost:4002", Weight: 1, Healthy: true}},
	})
}

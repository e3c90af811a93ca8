// Package lb implements the load balancer: six replica-selection policies
// over the healthy replica set the route registry hands it, plus the
// in-flight connection counters the least-connections policy needs. The
// counters follow the same short-critical-section style as the rest of
// this codebase's concurrency primitives.
package lb

import (
	"math/rand"
	"sync"

	"github.com/nexagate/apigw/internal/registry"
)

type Policy string

const (
	RoundRobin         Policy = "round-robin"
	WeightedRoundRobin Policy = "weighted-round-robin"
	LeastConnections   Policy = "least-connections"
	LeastResponseTime  Policy = "least-response-time"
	HealthBased        Policy = "health-based"
	Random             Policy = "random"
)

type wrrState struct {
	current int
}

// Balancer tracks the small amount of state the stateful policies need:
// a round-robin cursor and smooth-weighted-round-robin weights per route,
// and an in-flight request counter per replica.
type Balancer struct {
	mu         sync.Mutex
	rrCursor   map[string]int
	wrrWeights map[string]map[string]*wrrState // routeID -> baseURL -> state
	inflight   map[string]int                  // baseURL -> count
}

func New() *Balancer {
	return &Balancer{
		rrCursor:   make(map[string]int),
		wrrWeights: make(map[string]map[string]*wrrState),
		inflight:   make(map[string]int),
	}
}

// Pick selects one replica from the supplied (already health-filtered)
// set according to policy. An empty slice returns ok=false.
func (b *Balancer) Pick(routeID string, policy Policy, replicas []*registry.Replica) (*registry.Replica, bool) {
	if len(replicas) == 0 {
		return nil, false
	}
	switch policy {
	case WeightedRoundRobin:
		return b.pickWeightedRoundRobin(routeID, replicas), true
	case LeastConnections:
		return b.pickLeastConnections(replicas), true
	case LeastResponseTime:
		return b.pickLeastResponseTime(replicas), true
	case HealthBased:
		return b.pickHealthBased(replicas), true
	case Random:
		return replicas[rand.Intn(len(replicas))], true
	case RoundRobin:
		fallthrough
	default:
		return b.pickRoundRobin(routeID, replicas), true
	}
}

func (b *Balancer) pickRoundRobin(routeID string, replicas []*registry.Replica) *registry.Replica {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.rrCursor[routeID] % len(replicas)
	b.rrCursor[routeID] = idx + 1
	return replicas[idx]
}

// pickWeightedRoundRobin implements smooth weighted round robin: each
// replica accumulates its weight every pick; the one with the highest
// running total is chosen and then debited by the sum of all weights.
func (b *Balancer) pickWeightedRoundRobin(routeID string, replicas []*registry.Replica) *registry.Replica {
	b.mu.Lock()
	defer b.mu.Unlock()

	states, ok := b.wrrWeights[routeID]
	if !ok {
		states = make(map[string]*wrrState)
		b.wrrWeights[routeID] = states
	}

	total := 0
	var best *registry.Replica
	var bestState *wrrState
	for _, rep := range replicas {
		w := rep.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		st, ok := states[rep.BaseURL]
		if !ok {
			st = &wrrState{}
			states[rep.BaseURL] = st
		}
		st.current += w
		if best == nil || st.current > bestState.current {
			best, bestState = rep, st
		}
	}
	bestState.current -= total
	return best
}

func (b *Balancer) pickLeastConnections(replicas []*registry.Replica) *registry.Replica {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *registry.Replica
	bestCount := -1
	for _, rep := range replicas {
		c := b.inflight[rep.BaseURL]
		if best == nil || c < bestCount {
			best, bestCount = rep, c
		}
	}
	return best
}

func (b *Balancer) pickLeastResponseTime(replicas []*registry.Replica) *registry.Replica {
	var best *registry.Replica
	bestLatency := -1.0
	for _, rep := range replicas {
		if best == nil || rep.LatencyMS < bestLatency {
			best, bestLatency = rep, rep.LatencyMS
		}
	}
	return best
}

// pickHealthBased ranks replicas by fewest observed errors, falling back
// to lowest latency to break ties.
func (b *Balancer) pickHealthBased(replicas []*registry.Replica) *registry.Replica {
	var best *registry.Replica
	for _, rep := range replicas {
		if best == nil {
			best = rep
			continue
		}
		if rep.ErrorCount < best.ErrorCount {
			best = rep
		} else if rep.ErrorCount == best.ErrorCount && rep.LatencyMS < best.LatencyMS {
			best = rep
		}
	}
	return best
}

func (b *Balancer) IncInflight(baseURL string) {
	b.mu.Lock()
	b.inflight[baseURL]++
	b.mu.Unlock()
}

func (b *Balancer) DecInflight(baseURL string) {
	b.mu.Lock()
	if b.inflight[baseURL] > 0 {
		b.inflight[baseURL]--
	}
	b.mu.Unlock()
}

func (b *Balancer) Inflight(baseURL string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[baseURL]
}

// Stats reports a snapshot of the balancer's stateful bookkeeping for the
// admin surface.
type Stats struct {
	RoundRobinCursors map[string]int
	Inflight          map[string]int
}

func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursors := make(map[string]int, len(b.rrCursor))
	for k, v := range b.rrCursor {
		cursors[k] = v
	}
	inflight := make(map[string]int, len(b.inflight))
	for k, v := range b.inflight {
		inflight[k] = v
	}
	return Stats{RoundRobinCursors: cursors, Inflight: inflight}
}

// Reset clears every round-robin cursor, weighted-round-robin state, and
// in-flight counter, used by the admin surface to return the balancer to
// a clean slate without restarting the gateway.
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rrCursor = make(map[string]int)
	b.wrrWeights = make(map[string]map[string]*wrrState)
	b.inflight = make(map[string]int)
}

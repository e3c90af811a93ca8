package lb

import "testing"
import "github.com/nexagate/apigw/internal/registry"

func TestPickLeastResponseTimeChoosesFastest(t *testing.T) {
	replicas := []*registry.Replica{
		{BaseURL: "http://a", LatencyMS: 120, ErrorCount: 0},
		{BaseURL: "http://b", LatencyMS: 45, ErrorCount: 1},
		{BaseURL: "http://c", LatencyMS: 300, ErrorCount: 0},
	}
	b := New()
	picked, ok := b.Pick("route-1", LeastResponseTime, replicas)
	if !ok || picked.BaseURL != "http://b" {
		t.Fatalf("expected http://b (45ms), got %+v", picked)
	}
}

func TestPickHealthBasedPrefersFewestErrors(t *testing.T) {
	replicas := []*registry.Replica{
		{BaseURL: "http://a", LatencyMS: 10, ErrorCount: 5},
		{BaseURL: "http://b", LatencyMS: 50, ErrorCount: 0},
	}
	b := New()
	picked, ok := b.Pick("route-1", HealthBased, replicas)
	if !ok || picked.BaseURL != "http://b" {
		t.Fatalf("expected http://b (0 errors), got %+v", picked)
	}
}

func TestPickLeastConnectionsChoosesIdlest(t *testing.T) {
	replicas := []*registry.Replica{{BaseURL: "http://a"}, {BaseURL: "http://b"}}
	b := New()
	b.IncInflight("http://a")
	b.IncInflight("http://a")
	b.IncInflight("http://b")

	picked, ok := b.Pick("route-1", LeastConnections, replicas)
	if !ok || picked.BaseURL != "http://b" {
		t.Fatalf("expected http://b (1 inflight vs 2), got %+v", picked)
	}
}

func TestPickRoundRobinCycles(t *testing.T) {
	replicas := []*registry.Replica{{BaseURL: "http://a"}, {BaseURL: "http://b"}}
	b := New()
	first, _ := b.Pick("route-1", RoundRobin, replicas)
	second, _ := b.Pick("route-1", RoundRobin, replicas)
	third, _ := b.Pick("route-1", RoundRobin, replicas)
	if first.BaseURL == second.BaseURL {
		t.Fatalf("expected round robin to alternate replicas")
	}
	if first.BaseURL != third.BaseURL {
		t.Fatalf("expected round robin to cycle back after 2 replicas")
	}
}

func TestPickWeightedRoundRobinRespectsWeights(t *testing.T) {
	replicas := []*registry.Replica{
		{BaseURL: "http://heavy", Weight: 3},
		{BaseURL: "http://light", Weight: 1},
	}
	b := New()
	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		picked, _ := b.Pick("route-1", WeightedRoundRobin, replicas)
		counts[picked.BaseURL]++
	}
	if counts["http://heavy"] != 6 || counts["http://light"] != 2 {
		t.Fatalf("expected a 3:1 split over 8 picks, got %+v", counts)
	}
}

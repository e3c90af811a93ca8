package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexagate/apigw/internal/registry"
)

func TestProbeRequiresConsecutiveFailuresBeforeMarkingUnhealthy(t *testing.T) {
	up := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	reg := registry.New()
	route := reg.Put(&registry.Route{
		Method: "GET", Path: "/x", Active: true,
		Replicas: []*registry.Replica{{BaseURL: srv.URL, Healthy: true}},
	})

	m := New(reg, nil)
	th := Thresholds{Interval: time.Hour, Timeout: time.Second, HealthyThreshold: 2, UnhealthyThreshold: 2}

	m.probe(context.Background(), route, route.Replicas[0], th)
	if !route.Replicas[0].Healthy {
		t.Fatalf("expected healthy after a single failed probe (threshold 2)")
	}
	m.probe(context.Background(), route, route.Replicas[0], th)
	if route.Replicas[0].Healthy {
		t.Fatalf("expected unhealthy after two consecutive failed probes")
	}

	up = true
	m.probe(context.Background(), route, route.Replicas[0], th)
	if route.Replicas[0].Healthy {
		t.Fatalf("expected still unhealthy after a single recovered probe (threshold 2)")
	}
	m.probe(context.Background(), route, route.Replicas[0], th)
	if !route.Replicas[0].Healthy {
		t.Fatalf("expected healthy after two consecutive successful probes")
	}
}

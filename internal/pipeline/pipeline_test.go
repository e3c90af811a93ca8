package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexagate/apigw/internal/breaker"
	"github.com/nexagate/apigw/internal/cache"
	"github.com/nexagate/apigw/internal/forwarder"
	"github.com/nexagate/apigw/internal/lb"
	"github.com/nexagate/apigw/internal/netx"
	"github.com/nexagate/apigw/internal/ratelimit"
	"github.com/nexagate/apigw/internal/registry"
)

func newTestPipeline(t *testing.T, upstream *httptest.Server) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	reg.Put(&registry.Route{
		Method: "GET", Path: "/api/users", Name: "users", Active: true, Public: true,
		LoadBalancer: "round-robin", RequestTimeoutMS: 2000,
		BreakerThreshold: 5, BreakerWindowMS: 10000, BreakerTimeoutMS: 1000,
		Replicas: []*registry.Replica{{BaseURL: upstream.URL, Weight: 1, Healthy: true}},
	})

	trusted, _ := netx.ParseCIDRSet(nil)
	mem := ratelimit.NewMemoryLimiter(time.Hour)
	engine := ratelimit.NewEngine(mem, []ratelimit.Rule{
		{Name: "global", KeyTemplate: "global", Limit: 1000, WindowMS: 60000},
	})

	c, err := cache.New(100, 1<<20, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	fw := forwarder.New(http.DefaultTransport.(*http.Transport), breaker.NewRegistry(breaker.Config{}, time.Hour))
	p := New(reg, engine, ratelimit.IPResolver{Trusted: trusted}, c, lb.New(), fw)
	return p, reg
}

func TestPipelineForwardsToHealthyReplica(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p, _ := newTestPipeline(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected X-Cache: MISS on first request")
	}
}

func TestPipelineNoRouteReturns404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, _ := newTestPipeline(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPipelineNoHealthyReplicaReturns502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, reg := newTestPipeline(t, upstream)
	for _, route := range reg.List() {
		for _, rep := range route.Replicas {
			rep.Healthy = false
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

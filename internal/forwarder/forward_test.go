package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/nexagate/apigw/internal/breaker"
	"github.com/nexagate/apigw/internal/registry"
)

func newRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	u, err := url.Parse(path)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

func TestForwardRetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	reg := registry.New()
	route := reg.Put(&registry.Route{
		Method: "GET", Path: "/x", Active: true, Retries: 2, RequestTimeoutMS: 2000,
		BreakerThreshold: 10, BreakerWindowMS: 10000, BreakerTimeoutMS: 1000,
	})
	rep := &registry.Replica{BaseURL: srv.URL}

	f := New(http.DefaultTransport.(*http.Transport), breaker.NewRegistry(breaker.Config{}, time.Hour))
	res, err := f.Forward(context.Background(), route, rep, newRequest(t, "/x"), nil, "trace-1")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", res.Status)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", calls)
	}
}

func TestForwardDoesNotRetry4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := registry.New()
	route := reg.Put(&registry.Route{
		Method: "GET", Path: "/x", Active: true, Retries: 3, RequestTimeoutMS: 2000,
		BreakerThreshold: 10, BreakerWindowMS: 10000, BreakerTimeoutMS: 1000,
	})
	rep := &registry.Replica{BaseURL: srv.URL}

	f := New(http.DefaultTransport.(*http.Transport), breaker.NewRegistry(breaker.Config{}, time.Hour))
	res, err := f.Forward(context.Background(), route, rep, newRequest(t, "/x"), nil, "trace-1")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.Status != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", res.Status)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call for a 4xx, got %d", calls)
	}
}

func TestForwardBreakerOpenRejectsImmediately(t *testing.T) {
	reg := registry.New()
	route := reg.Put(&registry.Route{
		Method: "GET", Path: "/x", Active: true, Retries: 0,
		BreakerEnabled:   true,
		BreakerThreshold: 1, BreakerWindowMS: 10000, BreakerTimeoutMS: time.Hour.Milliseconds(),
	})
	rep := &registry.Replica{BaseURL: "http://127.0.0.1:1"}

	breakers := breaker.NewRegistry(breaker.Config{}, time.Hour)
	key := breaker.Key(route.ID, rep.BaseURL)
	cfg := breaker.Config{Threshold: 1, Window: 10 * time.Second, Timeout: time.Hour}
	breakers.CanExecute(key, cfg)
	breakers.RecordFailure(key, cfg)

	f := New(http.DefaultTransport.(*http.Transport), breakers)
	_, err := f.Forward(context.Background(), route, rep, newRequest(t, "/x"), nil, "trace-1")
	var breakerErr *ErrBreakerOpen
	if err == nil {
		t.Fatalf("expected ErrBreakerOpen")
	}
	if !asBreakerOpen(err, &breakerErr) {
		t.Fatalf("expected *ErrBreakerOpen, got %T: %v", err, err)
	}
}

func asBreakerOpen(err error, target **ErrBreakerOpen) bool {
	be, ok := err.(*ErrBreakerOpen)
	if ok {
		*target = be
	}
	return ok
}

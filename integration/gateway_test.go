// Package integration_test exercises the gateway end to end: the built-in
// auth endpoints backed by internal/users and internal/validate, then the
// Request Pipeline dispatching through the Route Registry, Load Balancer,
// Circuit Breaker and Forwarder to a real httptest upstream.
package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexagate/apigw/internal/auth"
	"github.com/nexagate/apigw/internal/breaker"
	"github.com/nexagate/apigw/internal/cache"
	"github.com/nexagate/apigw/internal/domain"
	"github.com/nexagate/apigw/internal/forwarder"
	"github.com/nexagate/apigw/internal/lb"
	"github.com/nexagate/apigw/internal/mw"
	"github.com/nexagate/apigw/internal/pipeline"
	"github.com/nexagate/apigw/internal/ratelimit"
	"github.com/nexagate/apigw/internal/registry"
	"github.com/nexagate/apigw/internal/users"
	"github.com/nexagate/apigw/internal/validate"
)

// testGateway bundles just enough of cmd/gateway's wiring to drive the
// auth endpoints and the pipeline from a test, without spinning up a real
// process or touching the filesystem for config.
type testGateway struct {
	mux      *http.ServeMux
	verifier *auth.Verifier
	store    *users.Store
	registry *registry.Registry
}

type gatewayOpts struct {
	breakerThreshold int
	breakerWindow    time.Duration
	breakerTimeout   time.Duration
}

func newTestGateway(t *testing.T, route *registry.Route, opts gatewayOpts) *testGateway {
	t.Helper()

	verifier := auth.NewVerifier("test-secret", 15*time.Minute, 24*time.Hour)
	store := users.New(auth.DefaultPasswordParams())

	if opts.breakerThreshold == 0 {
		opts.breakerThreshold = 3
	}
	if opts.breakerWindow == 0 {
		opts.breakerWindow = time.Second
	}
	if opts.breakerTimeout == 0 {
		opts.breakerTimeout = 50 * time.Millisecond
	}
	route.BreakerEnabled = true
	route.BreakerThreshold = opts.breakerThreshold
	route.BreakerWindowMS = opts.breakerWindow.Milliseconds()
	route.BreakerTimeoutMS = opts.breakerTimeout.Milliseconds()

	reg := registry.New()
	reg.Put(route)
	reg.Put(&registry.Route{
		Method:           http.MethodGet,
		Path:             "/api/admin/stats",
		Name:             "admin-stats",
		Public:           false,
		Active:           true,
		LoadBalancer:     string(lb.RoundRobin),
		RequestTimeoutMS: 2000,
		RequiredRoles:    []string{string(domain.RoleAdmin)},
		Replicas:         []*registry.Replica{{BaseURL: "http://unused.invalid", Weight: 1, Healthy: true}},
	})

	rules := []ratelimit.Rule{{Name: "global", KeyTemplate: "global", Limit: 10000, WindowMS: 60_000}}
	limiter := ratelimit.NewMemoryLimiter(time.Minute)
	engine := ratelimit.NewEngine(limiter, rules)
	ipResolver := ratelimit.IPResolver{}

	respCache, err := cache.New(1000, 1<<20, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(respCache.Close)

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: opts.breakerThreshold,
		Window:    opts.breakerWindow,
		Timeout:   opts.breakerTimeout,
	}, time.Hour)
	t.Cleanup(breakers.Close)

	fw := forwarder.New(http.DefaultTransport.(*http.Transport), breakers)
	balancer := lb.New()
	pipe := pipeline.New(reg, engine, ipResolver, respCache, balancer, fw)

	authH := &gatewayAuthHandlers{store: store, verifier: verifier}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/register", authH.register)
	mux.HandleFunc("POST /api/v1/auth/login", authH.login)
	mux.Handle("GET /api/v1/auth/profile", mw.RequireAuth(verifierAdapter{verifier}, http.HandlerFunc(authH.profile)))
	mux.Handle("/", mw.OptionalAuth(verifierAdapter{verifier}, pipe))

	return &testGateway{mux: mux, verifier: verifier, store: store, registry: reg}
}

type verifierAdapter struct{ v *auth.Verifier }

func (a verifierAdapter) Verify(token string) (domain.Principal, error) { return a.v.Verify(token) }

// gatewayAuthHandlers is a trimmed copy of cmd/gateway's authEndpoints,
// kept local to the test package so the integration suite doesn't need to
// import package main.
type gatewayAuthHandlers struct {
	store    *users.Store
	verifier *auth.Verifier
}

func (h *gatewayAuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req struct{ Username, Email, Password, ConfirmPassword string }
	_ = json.NewDecoder(r.Body).Decode(&req)
	if details := validate.Registration(req.Username, req.Email, req.Password, req.ConfirmPassword); details != nil {
		writeJSONT(w, http.StatusBadRequest, map[string]any{"message": "Validation failed", "details": details})
		return
	}
	acct, err := h.store.Register(req.Username, req.Email, req.Password)
	if err != nil {
		writeJSONT(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	tokens, _ := h.verifier.Issue(acct.Principal())
	writeJSONT(w, http.StatusCreated, map[string]any{
		"message": "registration successful",
		"user":    map[string]any{"id": acct.ID, "username": acct.Username, "email": acct.Email},
		"tokens":  tokens,
	})
}

func (h *gatewayAuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct{ Username, Password string }
	_ = json.NewDecoder(r.Body).Decode(&req)
	acct, err := h.store.Authenticate(req.Username, req.Password)
	if err != nil {
		writeJSONT(w, http.StatusUnauthorized, map[string]any{"message": "invalid username or password"})
		return
	}
	tokens, _ := h.verifier.Issue(acct.Principal())
	writeJSONT(w, http.StatusOK, map[string]any{
		"message": "login successful",
		"user":    map[string]any{"id": acct.ID, "username": acct.Username, "email": acct.Email},
		"tokens":  tokens,
	})
}

func (h *gatewayAuthHandlers) profile(w http.ResponseWriter, r *http.Request) {
	p, ok := mw.PrincipalFrom(r.Context())
	if !ok {
		writeJSONT(w, http.StatusUnauthorized, map[string]any{"message": "authentication required"})
		return
	}
	acct, ok := h.store.Get(p.Subject)
	if !ok {
		writeJSONT(w, http.StatusNotFound, map[string]any{"message": "account not found"})
		return
	}
	writeJSONT(w, http.StatusOK, map[string]any{"message": "ok", "user": map[string]any{"id": acct.ID, "username": acct.Username}})
}

func writeJSONT(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body: %v, raw=%s", err, rec.Body.String())
	}
	return out
}

func usersRoute(upstreamURL string) *registry.Route {
	return &registry.Route{
		Method:           http.MethodGet,
		Path:             "/api/users",
		Name:             "users",
		Public:           true,
		Active:           true,
		LoadBalancer:     string(lb.RoundRobin),
		RequestTimeoutMS: 2000,
		Retries:          1,
		Replicas:         []*registry.Replica{{BaseURL: upstreamURL, Weight: 1, Healthy: true}},
	}
}

// TestRegisterLoginProfileFlow covers register, then login, then fetching
// the profile with the issued access token, and confirms both the
// missing-token and invalid-token paths return 401.
func TestRegisterLoginProfileFlow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer upstream.Close()
	gw := newTestGateway(t, usersRoute(upstream.URL), gatewayOpts{})

	regRec := postJSON(t, gw.mux, "/api/v1/auth/register", map[string]any{
		"username": "testuser", "email": "test@example.com",
		"password": "TestPassword123!", "confirmPassword": "TestPassword123!",
	})
	if regRec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d body=%s", regRec.Code, regRec.Body.String())
	}
	regBody := decodeBody(t, regRec)
	tokens, _ := regBody["tokens"].(map[string]any)
	if tokens["accessToken"] == nil {
		t.Fatalf("register response missing tokens.accessToken: %+v", regBody)
	}

	loginRec := postJSON(t, gw.mux, "/api/v1/auth/login", map[string]any{
		"username": "testuser", "password": "TestPassword123!",
	})
	if loginRec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", loginRec.Code)
	}
	loginBody := decodeBody(t, loginRec)
	loginTokens, _ := loginBody["tokens"].(map[string]any)
	accessToken, _ := loginTokens["accessToken"].(string)
	if accessToken == "" {
		t.Fatalf("login response missing accessToken: %+v", loginBody)
	}

	profileReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	profileReq.Header.Set("Authorization", "Bearer "+accessToken)
	profileRec := httptest.NewRecorder()
	gw.mux.ServeHTTP(profileRec, profileReq)
	if profileRec.Code != http.StatusOK {
		t.Fatalf("profile: expected 200, got %d", profileRec.Code)
	}
	profileBody := decodeBody(t, profileRec)
	user, _ := profileBody["user"].(map[string]any)
	if user["username"] != "testuser" {
		t.Fatalf("profile.user.username = %v, want testuser", user["username"])
	}

	noAuthRec := httptest.NewRecorder()
	gw.mux.ServeHTTP(noAuthRec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil))
	if noAuthRec.Code != http.StatusUnauthorized {
		t.Fatalf("profile without auth: expected 401, got %d", noAuthRec.Code)
	}

	badAuthReq := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	badAuthReq.Header.Set("Authorization", "Bearer invalid-token")
	badAuthRec := httptest.NewRecorder()
	gw.mux.ServeHTTP(badAuthRec, badAuthReq)
	if badAuthRec.Code != http.StatusUnauthorized {
		t.Fatalf("profile with invalid token: expected 401, got %d", badAuthRec.Code)
	}
}

// TestRegisterRejectsWeakPassword confirms a password failing the
// strength rules fails registration with a 400 and a details map.
func TestRegisterRejectsWeakPassword(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, usersRoute(upstream.URL), gatewayOpts{})

	rec := postJSON(t, gw.mux, "/api/v1/auth/register", map[string]any{
		"username": "testuser2", "email": "test2@example.com",
		"password": "weak", "confirmPassword": "weak",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "Validation failed" {
		t.Fatalf("message = %v, want %q", body["message"], "Validation failed")
	}
}

// TestRegisterRejectsPasswordMismatch confirms a register request whose
// password and confirmPassword disagree fails with a 400.
func TestRegisterRejectsPasswordMismatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, usersRoute(upstream.URL), gatewayOpts{})

	rec := postJSON(t, gw.mux, "/api/v1/auth/register", map[string]any{
		"username": "testuser3", "email": "test3@example.com",
		"password": "TestPassword123!", "confirmPassword": "Different123!",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// TestAdminOnlyRouteDeniesNonAdmin confirms a plain-user principal is
// denied with 403 on a route that requires the admin role.
func TestAdminOnlyRouteDeniesNonAdmin(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := newTestGateway(t, usersRoute(upstream.URL), gatewayOpts{})

	acct, err := gw.store.Register("plainuser", "plain@example.com", "TestPassword123!")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	tokens, err := gw.verifier.Issue(acct.Principal())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := httptest.NewRecorder()
	gw.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}
}

// TestCircuitBreakerOpensAfterFailuresThenRecovers confirms repeated
// upstream 5xxs trip the breaker to fast-fail with 503, and once the
// upstream recovers and the timeout window elapses, a half-open probe
// closes the breaker again.
func TestCircuitBreakerOpensAfterFailuresThenRecovers(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	route := usersRoute(upstream.URL)
	route.Retries = 0
	gw := newTestGateway(t, route, gatewayOpts{
		breakerThreshold: 2,
		breakerWindow:    time.Second,
		breakerTimeout:   150 * time.Millisecond,
	})

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		gw.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
		return rec
	}

	if rec := get(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("call 1: expected 500 passed through from failing upstream, got %d", rec.Code)
	}
	if rec := get(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("call 2: expected 500 passed through from failing upstream, got %d", rec.Code)
	}

	rec := get()
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("call 3: expected 503 (breaker open), got %d body=%s", rec.Code, rec.Body.String())
	}

	time.Sleep(200 * time.Millisecond)

	rec = get()
	if rec.Code != http.StatusOK {
		t.Fatalf("call after timeout: expected 200 (half-open probe succeeds), got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = get()
	if rec.Code != http.StatusOK {
		t.Fatalf("call after recovery: expected 200, got %d", rec.Code)
	}
}

// TestPipelineForwardsRequestAndCaches confirms a cacheable GET is
// forwarded to the chosen replica and a repeat request is served from
// cache without another upstream hit.
func TestPipelineForwardsRequestAndCaches(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"users":[]}`))
	}))
	defer upstream.Close()
	gw := newTestGateway(t, usersRoute(upstream.URL), gatewayOpts{})

	first := httptest.NewRecorder()
	gw.mux.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", first.Code, first.Body.String())
	}
	if first.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected X-Cache: MISS, got %q", first.Header().Get("X-Cache"))
	}
	if first.Header().Get("X-Gateway-Target") != upstream.URL {
		t.Fatalf("expected X-Gateway-Target %q, got %q", upstream.URL, first.Header().Get("X-Gateway-Target"))
	}

	second := httptest.NewRecorder()
	gw.mux.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on cached request, got %d", second.Code)
	}
	if second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected X-Cache: HIT, got %q", second.Header().Get("X-Cache"))
	}
	if hits != 1 {
		t.Fatalf("expected upstream hit exactly once, got %d", hits)
	}
}

// TestRouteWithNoHealthyReplicasReturnsBadGateway confirms the pipeline
// fails closed when every replica of a route is marked unhealthy.
func TestRouteWithNoHealthyReplicasReturnsBadGateway(t *testing.T) {
	route := usersRoute("http://unused.invalid")
	route.Replicas[0].Healthy = false
	gw := newTestGateway(t, route, gatewayOpts{})

	rec := httptest.NewRecorder()
	gw.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

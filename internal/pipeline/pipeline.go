// Package pipeline implements the dispatch loop that ties the rate
// limiter, cache, route registry, authorizer, load balancer, circuit
// breaker and forwarder together for every request that isn't one of the
// gateway's own built-in endpoints.
package pipeline

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexagate/apigw/internal/authz"
	"github.com/nexagate/apigw/internal/cache"
	"github.com/nexagate/apigw/internal/domain"
	"github.com/nexagate/apigw/internal/forwarder"
	"github.com/nexagate/apigw/internal/httpapi"
	"github.com/nexagate/apigw/internal/lb"
	"github.com/nexagate/apigw/internal/mw"
	"github.com/nexagate/apigw/internal/ratelimit"
	"github.com/nexagate/apigw/internal/registry"
)

// cacheSkipPrefixes are never served from or stored in the cache, even
// though they are handled elsewhere: kept here so a Pipeline embedded
// directly at "/" (no reserved-path carve-out upstream) still behaves.
var cacheSkipPrefixes = []string{"/health", "/metrics", "/admin", "/api/v1/auth"}

type Pipeline struct {
	Registry   *registry.Registry
	RateLimit  *ratelimit.Engine
	IPResolver ratelimit.IPResolver
	Cache      *cache.Cache
	Balancer   *lb.Balancer
	Forwarder  *forwarder.Forwarder

	semaphores map[string]*mw.Semaphore
}

func New(reg *registry.Registry, rl *ratelimit.Engine, ipr ratelimit.IPResolver, c *cache.Cache, b *lb.Balancer, fw *forwarder.Forwarder) *Pipeline {
	sems := make(map[string]*mw.Semaphore, len(reg.List()))
	for _, route := range reg.List() {
		sems[route.ID] = mw.NewSemaphore(route.MaxInFlight)
	}
	return &Pipeline{Registry: reg, RateLimit: rl, IPResolver: ipr, Cache: c, Balancer: b, Forwarder: fw, semaphores: sems}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := mw.RID(r.Context())

	if p.checkRateLimit(w, r, traceID) {
		return
	}

	cacheable := r.Method == http.MethodGet && !hasSkipPrefix(r.URL.Path)
	cacheKey := ""
	if cacheable {
		cacheKey = cache.HTTPKey(r.Method, r.URL.String(), r.Header)
		if entry, ok := p.Cache.Get(cacheKey); ok {
			writeCached(w, entry)
			return
		}
	}

	route, params, ok := p.Registry.FindMatch(r.Method, r.URL.Path)
	if !ok {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindNotFound, "no route matches "+r.Method+" "+r.URL.Path))
		return
	}
	_ = params // matched path params are not used; the forwarder sends the raw request path

	if !route.Public {
		principal, has := mw.PrincipalFrom(r.Context())
		if !has {
			httpapi.Write(w, traceID, httpapi.New(httpapi.KindUnauthorized, "authentication required"))
			return
		}
		if err := authz.Authorize(principal, rolesOf(route), permsOf(route), logicOf(route)); err != nil {
			httpapi.Write(w, traceID, httpapi.New(httpapi.KindForbidden, err.Error()))
			return
		}
	}

	if sem := p.semaphores[route.ID]; sem.Enabled() {
		if !sem.TryAcquire() {
			httpapi.Write(w, traceID, httpapi.New(httpapi.KindServiceUnavailable, "route is at max concurrency"))
			return
		}
		defer sem.Release()
	}

	replicas := p.Registry.HealthyReplicas(route.ID)
	if len(replicas) == 0 {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadGateway, "no healthy replica for route"))
		return
	}

	policy := lb.Policy(route.LoadBalancer)
	rep, ok := p.Balancer.Pick(route.ID, policy, replicas)
	if !ok {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadGateway, "load balancer returned no replica"))
		return
	}

	p.Balancer.IncInflight(rep.BaseURL)
	defer p.Balancer.DecInflight(rep.BaseURL)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	start := time.Now()
	res, err := p.Forwarder.Forward(r.Context(), route, rep, r, body, traceID)
	latency := time.Since(start)
	p.Registry.UpdateReplicaLatency(route.ID, rep.BaseURL, float64(latency.Milliseconds()))

	if err != nil {
		writeForwardError(w, traceID, err)
		return
	}

	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Gateway-Target", rep.BaseURL)
	w.Header().Set("X-Gateway-Response-Time", strconv.FormatInt(int64(res.LatencyMS), 10)+"ms")
	w.Header().Set("X-Gateway-Route", route.Name)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(res.Status)
	w.Write(res.Body)

	if cacheable && cache.ShouldCacheResponse(res.Status, res.Header) {
		ttl, ok := cache.TTLFromHeaders(res.Header)
		if !ok {
			ttl = 0 // Cache.Set falls back to the configured default TTL
		}
		p.Cache.Set(cacheKey, &cache.Entry{
			Status: res.Status,
			Header: cache.FilterHeaders(res.Header),
			Body:   res.Body,
		}, ttl)
	}
}

func (p *Pipeline) checkRateLimit(w http.ResponseWriter, r *http.Request, traceID string) bool {
	if p.RateLimit == nil {
		return false
	}
	principal, _ := mw.PrincipalFrom(r.Context())
	user := ""
	if principal.Subject != "" {
		user = principal.Subject
	}
	values := ratelimit.Values{
		IP:        p.IPResolver.ClientIP(r),
		User:      user,
		Path:      r.URL.Path,
		Method:    r.Method,
		UserAgent: r.Header.Get("User-Agent"),
	}
	skip := func(rule ratelimit.Rule) bool {
		if rest, ok := endpointRuleTarget(rule.Name); ok {
			return !(strings.EqualFold(rest.method, values.Method) && rest.path == values.Path)
		}
		if strings.Contains(rule.KeyTemplate, "{user}") && values.User == "" {
			return true
		}
		return false
	}
	dec, err := p.RateLimit.CheckAll(r.Context(), values, skip)
	if err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindInternal, "rate limiter unavailable"))
		return true
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.TotalHits+dec.Remaining))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	if !dec.Allowed {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(dec.RetryAfterSeconds))
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindTooManyRequests, "rate limit exceeded").WithRetryAfter(dec.RetryAfterSeconds))
		return true
	}
	return false
}

func writeCached(w http.ResponseWriter, e *cache.Entry) {
	for k, vs := range e.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(e.Status)
	w.Write(e.Body)
}

func writeForwardError(w http.ResponseWriter, traceID string, err error) {
	var breakerErr *forwarder.ErrBreakerOpen
	switch {
	case errors.As(err, &breakerErr):
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindServiceUnavailable, "upstream circuit breaker is open"))
	case errors.Is(err, forwarder.ErrUpstreamTimeout):
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindGatewayTimeout, "upstream request timed out"))
	default:
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadGateway, "upstream request failed"))
	}
}

func hasSkipPrefix(path string) bool {
	for _, prefix := range cacheSkipPrefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func rolesOf(route *registry.Route) []domain.Role {
	out := make([]domain.Role, 0, len(route.RequiredRoles))
	for _, r := range route.RequiredRoles {
		out = append(out, domain.Role(r))
	}
	return out
}

func permsOf(route *registry.Route) []domain.Permission {
	out := make([]domain.Permission, 0, len(route.RequiredPerms))
	for _, p := range route.RequiredPerms {
		out = append(out, domain.Permission(p))
	}
	return out
}

func logicOf(route *registry.Route) authz.Logic {
	if route.PermissionLogic == string(authz.LogicAll) {
		return authz.LogicAll
	}
	return authz.LogicAny
}

type endpointTarget struct {
	method string
	path   string
}

// EndpointRuleName builds the Rule.Name an endpoint-scoped rate-limit rule
// must use so checkRateLimit's skip predicate only applies it to the
// requests it targets, rather than to every request.
func EndpointRuleName(method, path string) string {
	return "endpoint:" + strings.ToUpper(method) + ":" + path
}

func endpointRuleTarget(name string) (endpointTarget, bool) {
	if !strings.HasPrefix(name, "endpoint:") {
		return endpointTarget{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(name, "endpoint:"), ":", 2)
	if len(parts) != 2 {
		return endpointTarget{}, false
	}
	return endpointTarget{method: parts[0], path: parts[1]}, true
}

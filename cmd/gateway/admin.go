package main

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nexagate/apigw/internal/breaker"
	"github.com/nexagate/apigw/internal/cache"
	"github.com/nexagate/apigw/internal/health"
	"github.com/nexagate/apigw/internal/httpapi"
	"github.com/nexagate/apigw/internal/lb"
	"github.com/nexagate/apigw/internal/mw"
	"github.com/nexagate/apigw/internal/ratelimit"
	"github.com/nexagate/apigw/internal/registry"
)

// adminSurface implements the /admin/gateway/* operator endpoints: route
// CRUD, an aggregated overview, and introspection and control over the
// cache, breaker, load-balancer, rate-limiter, and health-monitor state.
// Reworked from a static admin-key header to the RBAC permissions model.
type adminSurface struct {
	registry  *registry.Registry
	cache     *cache.Cache
	breakers  *breaker.Registry
	balancer  *lb.Balancer
	rateLimit *ratelimit.Engine
	health    *health.Monitor
}

type routeRequest struct {
	Method           string   `json:"method"`
	Path             string   `json:"path"`
	Name             string   `json:"name"`
	Public           bool     `json:"public"`
	Replicas         []string `json:"replicas"`
	LoadBalancer     string   `json:"loadBalancer"`
	RequestTimeoutMS int64    `json:"requestTimeoutMs"`
	Retries          int      `json:"retries"`
	RequiredRoles    []string `json:"requiredRoles"`
	RequiredPerms    []string `json:"requiredPermissions"`
}

func (a *adminSurface) overview(w http.ResponseWriter, r *http.Request) {
	routes := a.registry.List()
	totalReplicas, healthyReplicas := 0, 0
	for _, route := range routes {
		for _, rep := range route.Replicas {
			totalReplicas++
			if rep.Healthy {
				healthyReplicas++
			}
		}
	}
	cacheStats := a.cache.Stats()
	openBreakers := 0
	for _, st := range a.breakers.All() {
		if st.State == breaker.Open {
			openBreakers++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":          len(routes),
		"totalReplicas":   totalReplicas,
		"healthyReplicas": healthyReplicas,
		"cache":           cacheStats,
		"openBreakers":    openBreakers,
	})
}

func (a *adminSurface) listRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routes": a.registry.List()})
}

func (a *adminSurface) createRoute(w http.ResponseWriter, r *http.Request) {
	traceID := mw.RID(r.Context())
	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, "invalid request body"))
		return
	}
	if req.Method == "" || req.Path == "" {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, "method and path are required"))
		return
	}
	route := &registry.Route{
		Method:           strings.ToUpper(req.Method),
		Path:             req.Path,
		Name:             req.Name,
		Public:           req.Public,
		Active:           true,
		LoadBalancer:     req.LoadBalancer,
		RequestTimeoutMS: req.RequestTimeoutMS,
		Retries:          req.Retries,
		RequiredRoles:    req.RequiredRoles,
		RequiredPerms:    req.RequiredPerms,
	}
	for _, baseURL := range req.Replicas {
		route.Replicas = append(route.Replicas, &registry.Replica{BaseURL: baseURL, Weight: 1, Healthy: true})
	}
	a.registry.Put(route)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "route created", "route": route})
}

func (a *adminSurface) deleteRoute(w http.ResponseWriter, r *http.Request, id string) {
	traceID := mw.RID(r.Context())
	if _, err := uuid.Parse(id); err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, "invalid route id"))
		return
	}
	a.registry.Delete(id)
	writeJSON(w, http.StatusOK, map[string]any{"message": "route deleted"})
}

func (a *adminSurface) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cache.Stats())
}

func (a *adminSurface) clearCache(w http.ResponseWriter, r *http.Request) {
	a.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"message": "cache cleared"})
}

func (a *adminSurface) breakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": a.breakers.All()})
}

func (a *adminSurface) resetBreaker(w http.ResponseWriter, r *http.Request, key string) {
	a.breakers.Reset(key)
	writeJSON(w, http.StatusOK, map[string]any{"message": "breaker reset"})
}

func (a *adminSurface) deleteCacheKey(w http.ResponseWriter, r *http.Request, key string) {
	a.cache.Delete(key)
	writeJSON(w, http.StatusOK, map[string]any{"message": "cache entry deleted"})
}

func (a *adminSurface) lbStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.balancer.Stats())
}

func (a *adminSurface) resetLB(w http.ResponseWriter, r *http.Request) {
	a.balancer.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"message": "load balancer state reset"})
}

func (a *adminSurface) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	rules := make([]map[string]any, 0, len(a.rateLimit.Rules))
	for _, rule := range a.rateLimit.Rules {
		rules = append(rules, map[string]any{
			"name":        rule.Name,
			"keyTemplate": rule.KeyTemplate,
			"limit":       rule.Limit,
			"windowMs":    rule.WindowMS,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (a *adminSurface) resetRateLimit(w http.ResponseWriter, r *http.Request, key string) {
	traceID := mw.RID(r.Context())
	if err := a.rateLimit.Limiter.Reset(r.Context(), key); err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindInternal, "failed to reset rate limit key"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "rate limit key reset"})
}

func (a *adminSurface) deleteRateLimitKey(w http.ResponseWriter, r *http.Request, key string) {
	traceID := mw.RID(r.Context())
	if _, err := a.rateLimit.Limiter.Delete(r.Context(), key); err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindInternal, "failed to delete rate limit key"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "rate limit key deleted"})
}

func (a *adminSurface) healthStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"replicas": a.health.Stats()})
}

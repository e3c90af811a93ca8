package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexagate/apigw/internal/auth"
	"github.com/nexagate/apigw/internal/config"
	"github.com/nexagate/apigw/internal/domain"
	"github.com/nexagate/apigw/internal/forwarder"
	"github.com/nexagate/apigw/internal/health"
	"github.com/nexagate/apigw/internal/lb"
	"github.com/nexagate/apigw/internal/mw"
	"github.com/nexagate/apigw/internal/netx"
	"github.com/nexagate/apigw/internal/pipeline"
	"github.com/nexagate/apigw/internal/ratelimit"
	"github.com/nexagate/apigw/internal/registry"
)

func buildTransport(cfg config.UpstreamConfig) *http.Transport {
	return forwarder.NewTransport(forwarder.TransportConfig{
		DialTimeout:           time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
	})
}

func buildRateLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		return ratelimit.NewRedisLimiter(rdb), nil
	case "memory", "":
		sweep := time.Duration(cfg.RateLimit.SweepSeconds) * time.Second
		if sweep <= 0 {
			sweep = time.Minute
		}
		return ratelimit.NewMemoryLimiter(sweep), nil
	default:
		return nil, fmt.Errorf("unknown rate_limit.backend %q", cfg.RateLimit.Backend)
	}
}

func buildRateLimitRules(cfg *config.Config) []ratelimit.Rule {
	rules := []ratelimit.Rule{
		{Name: "global", KeyTemplate: "global", Limit: cfg.RateLimit.GlobalLimit, WindowMS: cfg.RateLimit.GlobalWindowMS},
		{Name: "per-ip", KeyTemplate: "ip:{ip}", Limit: cfg.RateLimit.PerIPLimit, WindowMS: cfg.RateLimit.PerIPWindowMS},
		{Name: "per-user", KeyTemplate: "user:{user}", Limit: cfg.RateLimit.PerUserLimit, WindowMS: cfg.RateLimit.PerUserWindowMS},
	}
	for _, ep := range cfg.RateLimit.Endpoints {
		rules = append(rules, ratelimit.Rule{
			Name:        pipeline.EndpointRuleName(ep.Method, ep.Path),
			KeyTemplate: pipeline.EndpointRuleName(ep.Method, ep.Path),
			Limit:       ep.Limit,
			WindowMS:    ep.WindowMS,
		})
	}
	return rules
}

func buildRegistry(cfg *config.Config) *registry.Registry {
	reg := registry.New()
	if len(cfg.Routes) == 0 {
		registry.Seed(reg)
		return reg
	}
	for _, rc := range cfg.Routes {
		route := &registry.Route{
			Method:           rc.Method,
			Path:             rc.Path,
			Name:             rc.Name,
			Public:           rc.Public,
			Active:           true,
			LoadBalancer:     rc.LoadBalancer,
			RequestTimeoutMS: rc.RequestTimeoutMS,
			Retries:          rc.Retries,
			RequiredRoles:    rc.RequiredRoles,
			RequiredPerms:    rc.RequiredPerms,
			PermissionLogic:  rc.PermissionLogic,
			MaxInFlight:      rc.MaxInFlight,
		}
		for _, rep := range rc.Replicas {
			route.Replicas = append(route.Replicas, &registry.Replica{BaseURL: rep.BaseURL, Weight: rep.Weight, Healthy: true})
		}
		if rc.HealthCheck != nil {
			route.HealthPath = rc.HealthCheck.Path
			route.HealthIntervalMS = rc.HealthCheck.IntervalMS
			route.HealthTimeoutMS = rc.HealthCheck.TimeoutMS
		}
		if rc.CircuitBreaker != nil {
			route.BreakerEnabled = rc.CircuitBreaker.Enabled
			route.BreakerThreshold = rc.CircuitBreaker.FailureThreshold
			route.BreakerWindowMS = rc.CircuitBreaker.WindowMS
			route.BreakerTimeoutMS = rc.CircuitBreaker.TimeoutMS
		}
		reg.Put(route)
	}
	return reg
}

func buildHealthThresholds(cfg *config.Config, reg *registry.Registry) (health.Thresholds, map[string]health.Thresholds) {
	defaults := health.Thresholds{
		Interval:           time.Duration(cfg.HealthCheck.IntervalMS) * time.Millisecond,
		Timeout:            time.Duration(cfg.HealthCheck.TimeoutMS) * time.Millisecond,
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
	}
	perRoute := map[string]health.Thresholds{}
	for _, route := range reg.List() {
		if route.HealthIntervalMS == 0 && route.HealthTimeoutMS == 0 {
			continue
		}
		th := defaults
		if route.HealthIntervalMS > 0 {
			th.Interval = time.Duration(route.HealthIntervalMS) * time.Millisecond
		}
		if route.HealthTimeoutMS > 0 {
			th.Timeout = time.Duration(route.HealthTimeoutMS) * time.Millisecond
		}
		perRoute[route.ID] = th
	}
	return defaults, perRoute
}

func buildTokenVerifier(cfg *config.Config, accessTTL, refreshTTL time.Duration) (*auth.Verifier, mw.TokenVerifier, error) {
	hmacVerifier := auth.NewVerifier(cfg.Auth.JWTSecret, accessTTL, refreshTTL)

	switch strings.ToLower(cfg.Auth.Mode) {
	case "jwks":
		jv, err := auth.NewJWKSVerifier(cfg.Auth.JWKS.URL, auth.JWKSVerifierOptions{
			HTTPTimeout: time.Duration(cfg.Auth.JWKS.HTTPTimeoutSeconds) * time.Second,
			CacheTTL:    time.Duration(cfg.Auth.JWKS.CacheTTLSeconds) * time.Second,
			Leeway:      time.Duration(cfg.Auth.JWKS.LeewaySeconds) * time.Second,
			Issuers:     cfg.Auth.JWKS.Issuers,
			Audiences:   cfg.Auth.JWKS.Audiences,
			ValidAlgs:   []string{"RS256"},
		})
		if err != nil {
			return hmacVerifier, nil, err
		}
		return hmacVerifier, combinedVerifier{hmac: hmacVerifier, jwks: jv}, nil
	default:
		return hmacVerifier, hmacAdapter{hmacVerifier}, nil
	}
}

type hmacAdapter struct{ v *auth.Verifier }

func (a hmacAdapter) Verify(token string) (domain.Principal, error) { return a.v.Verify(token) }

type combinedVerifier struct {
	hmac *auth.Verifier
	jwks *auth.JWKSVerifier
}

// Verify tries the gateway's own HMAC tokens first, then falls back to the
// external IdP's JWKS-verified tokens — both mint the same domain.Principal
// shape, so the rest of the pipeline never distinguishes them.
func (c combinedVerifier) Verify(token string) (domain.Principal, error) {
	if p, err := c.hmac.Verify(token); err == nil {
		return p, nil
	}
	return c.jwks.Verify(context.Background(), token)
}

func buildLoadBalancer() *lb.Balancer { return lb.New() }

func trustedProxies(cfg *config.Config) *netx.CIDRSet {
	set, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		set, _ = netx.ParseCIDRSet(nil)
	}
	return set
}

// Package config loads and validates the gateway's configuration: a YAML
// file for route topology, overlaid with environment variables for the
// process-wide knobs the source expresses as env vars.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig           `yaml:"server"`
	Upstream       UpstreamConfig         `yaml:"upstream"`
	Auth           AuthConfig             `yaml:"auth"`
	CORS           CORSConfig             `yaml:"cors"`
	RateLimit      RateLimitConfig        `yaml:"rate_limit"`
	Cache          CacheConfig            `yaml:"cache"`
	CircuitBreaker CircuitBreakerDefaults `yaml:"circuit_breaker"`
	LoadBalancer   LoadBalancerConfig     `yaml:"load_balancer"`
	HealthCheck    HealthCheckDefaults    `yaml:"health_check"`
	Routes         []RouteConfig          `yaml:"routes"`
}

type ServerConfig struct {
	Host                     string   `yaml:"host"`
	Port                     int      `yaml:"port"`
	GatewayID                string   `yaml:"gateway_id"`
	Env                      string   `yaml:"env"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
	RequestTimeoutMS             int `yaml:"request_timeout_ms"`
	ConnectionTimeoutMS          int `yaml:"connection_timeout_ms"`
}

type AuthConfig struct {
	Mode               string         `yaml:"mode"` // "hmac" | "jwks"
	JWTSecret          string         `yaml:"jwt_secret"`
	AccessTokenTTL     string         `yaml:"jwt_expires_in"`         // e.g. "1h"
	RefreshTokenTTL    string         `yaml:"jwt_refresh_expires_in"` // e.g. "168h"
	Argon2TimeCost     int            `yaml:"argon2_time_cost"`
	Argon2MemoryCostKB int            `yaml:"argon2_memory_cost"`
	Argon2Parallelism  int            `yaml:"argon2_parallelism"`
	JWKS               JWKSAuthConfig `yaml:"jwks"`
}

type JWKSAuthConfig struct {
	URL                string   `yaml:"url"`
	CacheTTLSeconds    int      `yaml:"cache_ttl_seconds"`
	HTTPTimeoutSeconds int      `yaml:"http_timeout_seconds"`
	LeewaySeconds      int      `yaml:"leeway_seconds"`
	Issuers            []string `yaml:"issuers"`
	Audiences          []string `yaml:"audiences"`
}

type CORSConfig struct {
	Origin      string `yaml:"origin"`
	Credentials bool   `yaml:"credentials"`
}

type RateLimitConfig struct {
	Backend         string             `yaml:"backend"` // "redis" | "memory"
	Redis           RedisConfig        `yaml:"redis"`
	SweepSeconds    int                `yaml:"sweep_seconds"`
	GlobalLimit     int                `yaml:"global_limit"`
	GlobalWindowMS  int64              `yaml:"global_window_ms"`
	PerIPLimit      int                `yaml:"per_ip_limit"`
	PerIPWindowMS   int64              `yaml:"per_ip_window_ms"`
	PerUserLimit    int                `yaml:"per_user_limit"`
	PerUserWindowMS int64              `yaml:"per_user_window_ms"`
	Endpoints       []EndpointRLConfig `yaml:"endpoints"`
}

type EndpointRLConfig struct {
	Method   string `yaml:"method"`
	Path     string `yaml:"path"`
	Limit    int    `yaml:"limit"`
	WindowMS int64  `yaml:"window_ms"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	MaxEntries   int   `yaml:"max_entries"`
	MaxBytes     int64 `yaml:"max_bytes"`
	DefaultTTLMS int64 `yaml:"default_ttl_ms"`
	SweepSeconds int   `yaml:"sweep_seconds"`
}

type CircuitBreakerDefaults struct {
	Enabled             bool   `yaml:"enabled"`
	FailureThreshold    int    `yaml:"failure_threshold"`
	WindowMS            int64  `yaml:"window_ms"`
	TimeoutMS           int64  `yaml:"timeout_ms"`
	HalfOpenMaxInFlight int    `yaml:"half_open_max_in_flight"`
	FallbackBody        string `yaml:"fallback_body"`
	IdleSweepSeconds    int    `yaml:"idle_sweep_seconds"`
}

type LoadBalancerConfig struct {
	Algorithm string `yaml:"algorithm"` // round-robin | weighted-round-robin | least-connections | least-response-time | health-based | random
}

type HealthCheckDefaults struct {
	IntervalMS         int64  `yaml:"interval_ms"`
	TimeoutMS          int64  `yaml:"timeout_ms"`
	Path               string `yaml:"path"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
}

type RouteConfig struct {
	Method           string                  `yaml:"method"`
	Path             string                  `yaml:"path"`
	Name             string                  `yaml:"name"`
	Public           bool                    `yaml:"public"`
	Replicas         []ReplicaConfig         `yaml:"replicas"`
	LoadBalancer     string                  `yaml:"load_balancer"`
	RequestTimeoutMS int64                   `yaml:"request_timeout_ms"`
	Retries          int                     `yaml:"retries"`
	RequiredRoles    []string                `yaml:"required_roles"`
	RequiredPerms    []string                `yaml:"required_permissions"`
	PermissionLogic  string                  `yaml:"permission_logic"`
	HealthCheck      *HealthCheckDefaults    `yaml:"health_check"`
	CircuitBreaker   *CircuitBreakerDefaults `yaml:"circuit_breaker"`
	MaxInFlight      int                     `yaml:"max_in_flight"`
}

type ReplicaConfig struct {
	BaseURL string `yaml:"base_url"`
	Weight  int    `yaml:"weight"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	applyEnvOverlay(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.GatewayID == "" {
		cfg.Server.GatewayID = "gateway-1"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 20
	}
	if cfg.Upstream.RequestTimeoutMS == 0 {
		cfg.Upstream.RequestTimeoutMS = 30000
	}
	if cfg.Upstream.ConnectionTimeoutMS == 0 {
		cfg.Upstream.ConnectionTimeoutMS = 5000
	}

	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "hmac"
	}
	if cfg.Auth.AccessTokenTTL == "" {
		cfg.Auth.AccessTokenTTL = "1h"
	}
	if cfg.Auth.RefreshTokenTTL == "" {
		cfg.Auth.RefreshTokenTTL = "168h" // 7d
	}
	if cfg.Auth.Argon2TimeCost == 0 {
		cfg.Auth.Argon2TimeCost = 2
	}
	if cfg.Auth.Argon2MemoryCostKB == 0 {
		cfg.Auth.Argon2MemoryCostKB = 65536
	}
	if cfg.Auth.Argon2Parallelism == 0 {
		cfg.Auth.Argon2Parallelism = 1
	}
	if cfg.Auth.JWKS.CacheTTLSeconds == 0 {
		cfg.Auth.JWKS.CacheTTLSeconds = 300
	}
	if cfg.Auth.JWKS.HTTPTimeoutSeconds == 0 {
		cfg.Auth.JWKS.HTTPTimeoutSeconds = 3
	}
	if cfg.Auth.JWKS.LeewaySeconds == 0 {
		cfg.Auth.JWKS.LeewaySeconds = 30
	}

	if cfg.CORS.Origin == "" {
		cfg.CORS.Origin = "http://localhost:3000"
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.SweepSeconds == 0 {
		cfg.RateLimit.SweepSeconds = 60
	}
	if cfg.RateLimit.GlobalLimit == 0 {
		cfg.RateLimit.GlobalLimit = 1000
	}
	if cfg.RateLimit.GlobalWindowMS == 0 {
		cfg.RateLimit.GlobalWindowMS = 60_000
	}
	if cfg.RateLimit.PerIPLimit == 0 {
		cfg.RateLimit.PerIPLimit = 100
	}
	if cfg.RateLimit.PerIPWindowMS == 0 {
		cfg.RateLimit.PerIPWindowMS = 60_000
	}
	if cfg.RateLimit.PerUserLimit == 0 {
		cfg.RateLimit.PerUserLimit = 200
	}
	if cfg.RateLimit.PerUserWindowMS == 0 {
		cfg.RateLimit.PerUserWindowMS = 60_000
	}
	if len(cfg.RateLimit.Endpoints) == 0 {
		cfg.RateLimit.Endpoints = []EndpointRLConfig{
			{Method: "POST", Path: "/api/v1/auth/login", Limit: 5, WindowMS: 5 * 60_000},
			{Method: "POST", Path: "/api/v1/auth/register", Limit: 3, WindowMS: 5 * 60_000},
			{Method: "GET", Path: "/api/users", Limit: 50, WindowMS: 60_000},
			{Method: "GET", Path: "/api/orders", Limit: 30, WindowMS: 60_000},
		}
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache.MaxBytes = 64 << 20
	}
	if cfg.Cache.DefaultTTLMS == 0 {
		cfg.Cache.DefaultTTLMS = 300_000
	}
	if cfg.Cache.SweepSeconds == 0 {
		cfg.Cache.SweepSeconds = 60
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.WindowMS == 0 {
		cfg.CircuitBreaker.WindowMS = 10_000
	}
	if cfg.CircuitBreaker.TimeoutMS == 0 {
		cfg.CircuitBreaker.TimeoutMS = 30_000
	}
	if cfg.CircuitBreaker.HalfOpenMaxInFlight == 0 {
		cfg.CircuitBreaker.HalfOpenMaxInFlight = 1
	}
	if cfg.CircuitBreaker.FallbackBody == "" {
		cfg.CircuitBreaker.FallbackBody = "upstream temporarily unavailable"
	}
	if cfg.CircuitBreaker.IdleSweepSeconds == 0 {
		cfg.CircuitBreaker.IdleSweepSeconds = 60
	}

	if cfg.LoadBalancer.Algorithm == "" {
		cfg.LoadBalancer.Algorithm = "round-robin"
	}

	if cfg.HealthCheck.IntervalMS == 0 {
		cfg.HealthCheck.IntervalMS = 30_000
	}
	if cfg.HealthCheck.TimeoutMS == 0 {
		cfg.HealthCheck.TimeoutMS = 5_000
	}
	if cfg.HealthCheck.Path == "" {
		cfg.HealthCheck.Path = "/health"
	}
	if cfg.HealthCheck.HealthyThreshold == 0 {
		cfg.HealthCheck.HealthyThreshold = 1
	}
	if cfg.HealthCheck.UnhealthyThreshold == 0 {
		cfg.HealthCheck.UnhealthyThreshold = 1
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.LoadBalancer == "" {
			r.LoadBalancer = cfg.LoadBalancer.Algorithm
		}
		if r.RequestTimeoutMS == 0 {
			r.RequestTimeoutMS = int64(cfg.Upstream.RequestTimeoutMS)
		}
		if r.HealthCheck == nil {
			hc := cfg.HealthCheck
			r.HealthCheck = &hc
		}
		if r.CircuitBreaker == nil {
			cb := cfg.CircuitBreaker
			r.CircuitBreaker = &cb
		}
		for j := range r.Replicas {
			if r.Replicas[j].Weight <= 0 {
				r.Replicas[j].Weight = 1
			}
		}
	}
}

// applyEnvOverlay overlays the literal environment variables named in the
// external interface section: PORT, HOST, NODE_ENV, CORS_ORIGIN,
// JWT_SECRET, JWT_EXPIRES_IN, JWT_REFRESH_EXPIRES_IN, ARGON2_*,
// RATE_LIMIT_TTL, RATE_LIMIT_MAX, CIRCUIT_BREAKER_THRESHOLD,
// CIRCUIT_BREAKER_TIMEOUT, LOAD_BALANCER_ALGORITHM, HEALTH_CHECK_INTERVAL,
// HEALTH_CHECK_TIMEOUT, CACHE_TTL, CACHE_MAX_SIZE, REQUEST_TIMEOUT,
// CONNECTION_TIMEOUT.
func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v, ok := os.LookupEnv("HOST"); ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := os.LookupEnv("NODE_ENV"); ok && v != "" {
		cfg.Server.Env = v
	}
	if v, ok := os.LookupEnv("CORS_ORIGIN"); ok && v != "" {
		cfg.CORS.Origin = v
	}
	if v, ok := os.LookupEnv("JWT_SECRET"); ok && v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := os.LookupEnv("JWT_EXPIRES_IN"); ok && v != "" {
		cfg.Auth.AccessTokenTTL = v
	}
	if v, ok := os.LookupEnv("JWT_REFRESH_EXPIRES_IN"); ok && v != "" {
		cfg.Auth.RefreshTokenTTL = v
	}
	if v, ok := envInt("ARGON2_TIME_COST"); ok {
		cfg.Auth.Argon2TimeCost = v
	}
	if v, ok := envInt("ARGON2_MEMORY_COST"); ok {
		cfg.Auth.Argon2MemoryCostKB = v
	}
	if v, ok := envInt("ARGON2_PARALLELISM"); ok {
		cfg.Auth.Argon2Parallelism = v
	}
	if v, ok := envInt("RATE_LIMIT_TTL"); ok {
		cfg.RateLimit.GlobalWindowMS = int64(v) * 1000
	}
	if v, ok := envInt("RATE_LIMIT_MAX"); ok {
		cfg.RateLimit.GlobalLimit = v
	}
	if v, ok := envInt("CIRCUIT_BREAKER_THRESHOLD"); ok {
		cfg.CircuitBreaker.FailureThreshold = v
	}
	if v, ok := envInt("CIRCUIT_BREAKER_TIMEOUT"); ok {
		cfg.CircuitBreaker.TimeoutMS = int64(v)
	}
	if v, ok := os.LookupEnv("LOAD_BALANCER_ALGORITHM"); ok && v != "" {
		cfg.LoadBalancer.Algorithm = v
	}
	if v, ok := envInt("HEALTH_CHECK_INTERVAL"); ok {
		cfg.HealthCheck.IntervalMS = int64(v)
	}
	if v, ok := envInt("HEALTH_CHECK_TIMEOUT"); ok {
		cfg.HealthCheck.TimeoutMS = int64(v)
	}
	if v, ok := envInt("CACHE_TTL"); ok {
		cfg.Cache.DefaultTTLMS = int64(v) * 1000
	}
	if v, ok := envInt("CACHE_MAX_SIZE"); ok {
		cfg.Cache.MaxEntries = v
	}
	if v, ok := envInt("REQUEST_TIMEOUT"); ok {
		cfg.Upstream.RequestTimeoutMS = v
	}
	if v, ok := envInt("CONNECTION_TIMEOUT"); ok {
		cfg.Upstream.ConnectionTimeoutMS = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret (or JWT_SECRET) is required")
	}

	seen := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		method := strings.ToUpper(strings.TrimSpace(r.Method))
		if method == "" {
			return fmt.Errorf("%s.method is required", idx)
		}
		path := strings.TrimSpace(r.Path)
		if path == "" || !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s.path must start with '/'", idx)
		}
		key := method + " " + path
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate route: %s", key)
		}
		seen[key] = struct{}{}

		if !r.Public && len(r.Replicas) == 0 {
			return fmt.Errorf("%s.replicas must have at least one entry", idx)
		}
		for j, rep := range r.Replicas {
			if strings.TrimSpace(rep.BaseURL) == "" {
				return fmt.Errorf("%s.replicas[%d].base_url is required", idx, j)
			}
			if _, err := url.Parse(rep.BaseURL); err != nil {
				return fmt.Errorf("%s.replicas[%d].base_url invalid: %v", idx, j, err)
			}
		}
		switch r.LoadBalancer {
		case "round-robin", "weighted-round-robin", "least-connections",
			"least-response-time", "health-based", "random", "":
		default:
			return fmt.Errorf("%s.load_balancer %q is not a recognized policy", idx, r.LoadBalancer)
		}
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
	}
	if backend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	switch mode {
	case "hmac":
	case "jwks":
		if strings.TrimSpace(cfg.Auth.JWKS.URL) == "" {
			return fmt.Errorf("auth.jwks.url is required when auth.mode is jwks")
		}
		if _, err := url.Parse(cfg.Auth.JWKS.URL); err != nil {
			return fmt.Errorf("auth.jwks.url invalid: %v", err)
		}
	default:
		return fmt.Errorf("auth.mode must be 'hmac' or 'jwks'")
	}
	return nil
}

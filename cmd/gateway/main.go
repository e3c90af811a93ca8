package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexagate/apigw/internal/auth"
	"github.com/nexagate/apigw/internal/authz"
	"github.com/nexagate/apigw/internal/breaker"
	"github.com/nexagate/apigw/internal/cache"
	"github.com/nexagate/apigw/internal/config"
	"github.com/nexagate/apigw/internal/domain"
	"github.com/nexagate/apigw/internal/forwarder"
	"github.com/nexagate/apigw/internal/health"
	"github.com/nexagate/apigw/internal/logging"
	"github.com/nexagate/apigw/internal/mw"
	"github.com/nexagate/apigw/internal/pipeline"
	"github.com/nexagate/apigw/internal/ratelimit"
	"github.com/nexagate/apigw/internal/registry"
	"github.com/nexagate/apigw/internal/users"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logging.New(cfg.Server.Env, "info")

	if validateOnly {
		log.Info("config is valid")
		return
	}

	accessTTL, err := time.ParseDuration(cfg.Auth.AccessTokenTTL)
	if err != nil {
		log.Error("invalid auth.access_token_ttl", slog.String("error", err.Error()))
		os.Exit(1)
	}
	refreshTTL, err := time.ParseDuration(cfg.Auth.RefreshTokenTTL)
	if err != nil {
		log.Error("invalid auth.refresh_token_ttl", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hmacVerifier, tokenVerifier, err := buildTokenVerifier(cfg, accessTTL, refreshTTL)
	if err != nil {
		log.Error("failed to build token verifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pwParams := auth.DefaultPasswordParams()
	if cfg.Auth.Argon2TimeCost > 0 {
		pwParams.TimeCost = uint32(cfg.Auth.Argon2TimeCost)
	}
	if cfg.Auth.Argon2MemoryCostKB > 0 {
		pwParams.MemoryCostKB = uint32(cfg.Auth.Argon2MemoryCostKB)
	}
	if cfg.Auth.Argon2Parallelism > 0 {
		pwParams.Parallelism = uint8(cfg.Auth.Argon2Parallelism)
	}
	userStore := users.New(pwParams)

	reg := buildRegistry(cfg)

	limiter, err := buildRateLimiter(cfg)
	if err != nil {
		log.Error("failed to build rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rules := buildRateLimitRules(cfg)
	ipResolver := ratelimit.IPResolver{Trusted: trustedProxies(cfg)}
	rlEngine := ratelimit.NewEngine(limiter, rules)

	respCache, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes,
		time.Duration(cfg.Cache.DefaultTTLMS)*time.Millisecond,
		time.Duration(cfg.Cache.SweepSeconds)*time.Second)
	if err != nil {
		log.Error("failed to build cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer respCache.Close()

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: cfg.CircuitBreaker.FailureThreshold,
		Window:    time.Duration(cfg.CircuitBreaker.WindowMS) * time.Millisecond,
		Timeout:   time.Duration(cfg.CircuitBreaker.TimeoutMS) * time.Millisecond,
	}, time.Duration(cfg.CircuitBreaker.IdleSweepSeconds)*time.Second)
	defer breakers.Close()

	transport := buildTransport(cfg.Upstream)
	fw := forwarder.New(transport, breakers)
	balancer := buildLoadBalancer()

	pipe := pipeline.New(reg, rlEngine, ipResolver, respCache, balancer, fw)

	monitor := health.New(reg, log)
	defaults, perRoute := buildHealthThresholds(cfg, reg)
	ctx, cancelHealth := context.WithCancel(context.Background())
	monitor.Start(ctx, perRoute, defaults)

	metricsReg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(metricsReg)

	mux := http.NewServeMux()

	authH := &authEndpoints{store: userStore, verifier: hmacVerifier}
	mux.HandleFunc("POST /api/v1/auth/register", authH.register)
	mux.HandleFunc("POST /api/v1/auth/login", authH.login)
	mux.Handle("GET /api/v1/auth/profile", mw.RequireAuth(tokenVerifier, http.HandlerFunc(authH.profile)))
	mux.Handle("GET /api/v1/auth/admin-only",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles([]domain.Role{domain.RoleAdmin}, nil, authz.LogicAny, http.HandlerFunc(adminOnly))))

	mux.HandleFunc("GET /health", healthz)
	mux.HandleFunc("GET /health/live", healthz)
	mux.HandleFunc("GET /health/ready", readyz(reg))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	admin := &adminSurface{registry: reg, cache: respCache, breakers: breakers, balancer: balancer, rateLimit: rlEngine, health: monitor}
	routesPerm := []domain.Permission{domain.PermConfigureRoutes}
	metricsPerm := []domain.Permission{domain.PermViewMetrics}
	rlPerm := []domain.Permission{domain.PermManageRateLimit}
	mux.Handle("GET /admin/gateway/overview",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, metricsPerm, authz.LogicAny, http.HandlerFunc(admin.overview))))
	mux.Handle("GET /admin/gateway/routes",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, routesPerm, authz.LogicAny, http.HandlerFunc(admin.listRoutes))))
	mux.Handle("POST /admin/gateway/routes",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, routesPerm, authz.LogicAny, http.HandlerFunc(admin.createRoute))))
	mux.Handle("DELETE /admin/gateway/routes/{id}",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, routesPerm, authz.LogicAny, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin.deleteRoute(w, r, r.PathValue("id"))
		}))))
	mux.Handle("GET /admin/gateway/cache",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, metricsPerm, authz.LogicAny, http.HandlerFunc(admin.cacheStatsHandler))))
	mux.Handle("POST /admin/gateway/cache/clear",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, rlPerm, authz.LogicAny, http.HandlerFunc(admin.clearCache))))
	mux.Handle("GET /admin/gateway/breakers",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, metricsPerm, authz.LogicAny, http.HandlerFunc(admin.breakerStats))))
	mux.Handle("POST /admin/gateway/breakers/{key}/reset",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, rlPerm, authz.LogicAny, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin.resetBreaker(w, r, r.PathValue("key"))
		}))))
	mux.Handle("DELETE /admin/gateway/cache/{key}",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, rlPerm, authz.LogicAny, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin.deleteCacheKey(w, r, r.PathValue("key"))
		}))))
	mux.Handle("GET /admin/gateway/lb",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, metricsPerm, authz.LogicAny, http.HandlerFunc(admin.lbStats))))
	mux.Handle("POST /admin/gateway/lb/reset",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, routesPerm, authz.LogicAny, http.HandlerFunc(admin.resetLB))))
	mux.Handle("GET /admin/gateway/rate-limit",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, metricsPerm, authz.LogicAny, http.HandlerFunc(admin.rateLimitStats))))
	mux.Handle("POST /admin/gateway/rate-limit/{key}/reset",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, rlPerm, authz.LogicAny, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin.resetRateLimit(w, r, r.PathValue("key"))
		}))))
	mux.Handle("DELETE /admin/gateway/rate-limit/{key}",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, rlPerm, authz.LogicAny, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin.deleteRateLimitKey(w, r, r.PathValue("key"))
		}))))
	mux.Handle("GET /admin/gateway/health",
		mw.RequireAuth(tokenVerifier, mw.RequireRoles(nil, metricsPerm, authz.LogicAny, http.HandlerFunc(admin.healthStats))))

	mux.Handle("/", mw.OptionalAuth(tokenVerifier, pipe))

	var handler http.Handler = mux
	handler = mw.Instrument(metrics, handler)
	handler = mw.AccessLog(log, handler)
	handler = mw.SecurityHeaders(handler)
	handler = mw.CORS(cfg.CORS.Origin, handler)
	handler = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, handler)
	handler = mw.Recover(handler)
	handler = mw.TraceID(handler)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("gateway listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancelHealth()
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// readyz reports 503 until every registered route has at least one healthy
// replica, so orchestrators hold traffic back during warmup.
func readyz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, route := range reg.List() {
			if len(reg.HealthyReplicas(route.ID)) == 0 {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "route": route.Name})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tenantgate/tenantgate/internal/admission"
	"github.com/tenantgate/tenantgate/internal/admission/store"
	"github.com/tenantgate/tenantgate/internal/cache"
	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/middleware"
	"github.com/tenantgate/tenantgate/internal/observability"
)

// application wires the admission and caching core into an HTTP
// service.
type application struct {
	config     *config.Config
	logger     observability.Logger
	store      store.Store
	resolver   *admission.PolicyResolver
	controller *admission.Controller
	cache      *cache.ResponseCache
	scheduler  *cache.RevalidationScheduler
	server     *http.Server

	// ownsCacheBackend is false when the cache shares the quota
	// store's Redis client; closing the store closes the client.
	cacheBackend     cache.Backend
	ownsCacheBackend bool
}

// newApplication initializes all components from the configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	s, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.store = s

	provider := defaultTierProvider(cfg.Admission.DefaultTier)
	app.resolver = admission.NewPolicyResolver(provider, cfg.Tiers,
		cfg.Admission.PolicyCacheTTL.Duration(), logger)

	monitor := admission.NewViolationMonitor(&admission.MonitorConfig{
		AlertThreshold: cfg.Violations.AlertThreshold,
		AlertCooldown:  cfg.Violations.AlertCooldown.Duration(),
		MaxEntries:     cfg.Violations.MaxEntries,
	}, &loggingAlertSink{logger: logger}, logger)

	app.controller = admission.NewController(s, app.resolver, monitor, &admission.Config{
		FailOpen:           cfg.Admission.FailOpenEnabled(),
		ConnectionTTL:      cfg.Admission.ConnectionTTL.Duration(),
		ViolationRetention: cfg.Violations.RetentionTTL.Duration(),
	}, logger)

	if err := app.buildCache(); err != nil {
		_ = s.Close()
		return nil, err
	}

	upstream, err := buildUpstreamHandler(cfg.Server.UpstreamURL, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	app.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.buildHandler(upstream),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

// buildStore creates the shared quota store.
func buildStore(cfg *config.Config, logger observability.Logger) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreTypeRedis:
		rc := store.DefaultRedisConfig()
		rc.Address = cfg.Store.Redis.Address
		rc.Password = cfg.Store.Redis.Password
		rc.DB = cfg.Store.Redis.DB
		if cfg.Store.Redis.KeyPrefix != "" {
			rc.Prefix = cfg.Store.Redis.KeyPrefix
		}
		if cfg.Store.Redis.PoolSize > 0 {
			rc.PoolSize = cfg.Store.Redis.PoolSize
		}
		if cfg.Store.Redis.MinIdleConns > 0 {
			rc.MinIdleConns = cfg.Store.Redis.MinIdleConns
		}
		if d := cfg.Store.Redis.DialTimeout.Duration(); d > 0 {
			rc.DialTimeout = d
		}
		if d := cfg.Store.Redis.ReadTimeout.Duration(); d > 0 {
			rc.ReadTimeout = d
		}
		if d := cfg.Store.Redis.WriteTimeout.Duration(); d > 0 {
			rc.WriteTimeout = d
		}
		rc.Logger = logger
		return store.NewRedisStore(rc)
	case config.StoreTypeMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Store.Type)
	}
}

// buildCache creates the response cache, sharing the Redis connection
// with the quota store when both use Redis.
func (app *application) buildCache() error {
	cfg := app.config

	if rs, ok := app.store.(*store.RedisStore); ok {
		app.cacheBackend = cache.NewRedisBackendFromClient(rs.Client(),
			cfg.Cache.KeyPrefix, cfg.Cache.TTLJitter, app.logger)
		app.ownsCacheBackend = false
	} else {
		app.cacheBackend = cache.NewMemoryBackend()
		app.ownsCacheBackend = true
	}

	app.cache = cache.NewResponseCache(app.cacheBackend, &cfg.Cache, app.logger)
	app.scheduler = cache.NewRevalidationScheduler(app.cache,
		cfg.Revalidation.Timeout.Duration(), app.logger)
	return nil
}

// buildUpstreamHandler returns the handler sitting behind the
// middleware chain: a reverse proxy when an upstream is configured.
func buildUpstreamHandler(upstreamURL string, logger observability.Logger) (http.Handler, error) {
	if upstreamURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"no upstream configured"}`)
		}), nil
	}

	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", upstreamURL, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed",
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
		w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":"bad gateway"}`)
	}

	return proxy, nil
}

// buildHandler assembles the full routing table: operational endpoints
// bypass the middleware chain, everything else goes through admission
// and caching on its way to the upstream.
func (app *application) buildHandler(upstream http.Handler) http.Handler {
	chained := middleware.Cache(app.cache, app.scheduler, &app.config.Cache, app.logger)(upstream)
	chained = middleware.Admission(app.controller, nil, app.logger)(chained)
	chained = middleware.RequestID()(chained)
	chained = middleware.Recovery(app.logger)(chained)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", app.handleHealth)
	mux.HandleFunc("POST /admin/invalidate", app.handleInvalidate)
	mux.HandleFunc("POST /admin/bypass", app.handleBypass)
	mux.HandleFunc("GET /admin/usage", app.handleUsage)
	mux.HandleFunc("POST /admin/reset", app.handleReset)
	mux.Handle("/", chained)

	return mux
}

// start begins serving in the background.
func (app *application) start() error {
	app.logger.Info("listening",
		observability.String("address", app.config.Server.Address))

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error("server error", observability.Error(err))
		}
	}()
	return nil
}

// stop shuts the service down: stop accepting requests, let running
// revalidations finish, then release the store.
func (app *application) stop(ctx context.Context) error {
	var firstErr error

	if err := app.server.Shutdown(ctx); err != nil {
		firstErr = err
	}

	if err := app.scheduler.Drain(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if app.ownsCacheBackend {
		if err := app.cacheBackend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := app.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// handleHealth reports liveness.
func (app *application) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// invalidateRequest is the admin invalidation payload. Exactly one of
// tag, pattern, or entityType+entityId should be set.
type invalidateRequest struct {
	Tag        string `json:"tag,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
}

// handleInvalidate removes cache entries by tag, pattern, or entity
// change.
func (app *application) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	var removed int64
	var err error

	switch {
	case req.Tag != "":
		removed, err = app.cache.InvalidateByTag(ctx, req.Tag)
	case req.Pattern != "":
		removed, err = app.cache.InvalidateByPattern(ctx, req.Pattern)
	case req.EntityType != "":
		err = app.cache.HandleDataChange(ctx, req.EntityType, req.EntityID)
	default:
		writeJSONError(w, http.StatusBadRequest, "tag, pattern, or entityType is required")
		return
	}

	if err != nil {
		app.logger.Error("invalidation failed", observability.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "invalidation failed")
		return
	}

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	_ = json.NewEncoder(w).Encode(map[string]int64{"invalidated": removed})
}

// bypassRequest is the admin bypass payload.
type bypassRequest struct {
	TenantID string `json:"tenantId"`
	Enabled  bool   `json:"enabled"`
}

// handleBypass toggles the rate limit bypass flag for a tenant.
func (app *application) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	app.controller.SetBypass(req.TenantID, req.Enabled)
	app.logger.Info("bypass flag updated",
		observability.String("tenant", req.TenantID),
		observability.Bool("enabled", req.Enabled),
	)

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// handleUsage reports a tenant's current window counters and connection
// count without consuming quota.
func (app *application) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	scopeKey := r.URL.Query().Get("scope")
	if scopeKey == "" {
		scopeKey = tenantID
	}

	report, err := app.controller.Usage(r.Context(), scopeKey, tenantID)
	if err != nil {
		app.logger.Error("usage lookup failed",
			observability.String("tenant", tenantID),
			observability.Error(err),
		)
		writeJSONError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	_ = json.NewEncoder(w).Encode(report)
}

// resetRequest is the admin quota reset payload.
type resetRequest struct {
	Scope string `json:"scope"`
}

// handleReset clears a scope's current window counters.
func (app *application) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Scope == "" {
		writeJSONError(w, http.StatusBadRequest, "scope is required")
		return
	}

	if err := app.controller.ResetQuota(r.Context(), req.Scope); err != nil {
		app.logger.Error("quota reset failed",
			observability.String("scope", req.Scope),
			observability.Error(err),
		)
		writeJSONError(w, http.StatusInternalServerError, "quota reset failed")
		return
	}

	app.logger.Info("quota reset", observability.String("scope", req.Scope))

	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// defaultTierProvider assigns every tenant the configured default tier.
// Production deployments inject a provider backed by the subscription
// service instead.
func defaultTierProvider(tier string) admission.PolicyProvider {
	return admission.PolicyProviderFunc(
		func(_ context.Context, tenantID string) (*admission.TenantLimitProfile, error) {
			return &admission.TenantLimitProfile{TenantID: tenantID, Tier: tier}, nil
		})
}

// loggingAlertSink logs violation alerts. Production deployments swap
// in a pager or webhook sink.
type loggingAlertSink struct {
	logger observability.Logger
}

func (s *loggingAlertSink) EmitAlert(_ context.Context, alert *admission.Alert) {
	s.logger.Warn("repeated rate limit violations",
		observability.String("alertId", alert.ID),
		observability.String("tenant", alert.TenantID),
		observability.String("scope", alert.ScopeKey),
		observability.Int("count", alert.Count),
	)
}

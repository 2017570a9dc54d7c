// Package httpapi exposes the task engine over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Each key maps to one principal (user, organization, role)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/engine"
	"github.com/jkaninda/ki2go/internal/observability"
	"github.com/jkaninda/ki2go/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Engine is the task engine as the HTTP adapter uses it.
type Engine interface {
	RunTask(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
	History(ctx context.Context, f audit.Filter) (audit.Page, error)
	ListResolvable(ctx context.Context, userID, orgID string) ([]domain.TemplateSummary, error)
	CreateVariant(ctx context.Context, req engine.VariantRequest) (*domain.TemplateVariant, error)
	Variant(ctx context.Context, id uuid.UUID) (*domain.TemplateVariant, error)
	DeactivateVariant(ctx context.Context, id uuid.UUID) (bool, error)
}

// Config configures the HTTP adapter.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]config.APIKeyRef // API key -> principal.
	MaxRequestSize int64                       // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          *observability.TracerSetup      // Tracer for HTTP middleware.
}

// Gateway is the HTTP adapter.
type Gateway struct {
	config  Config
	engine  Engine
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewGateway creates an HTTP adapter. rl may be nil.
func NewGateway(cfg Config, e Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		engine:  e,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// Start registers the routes, then serves until the server is shut down.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Model calls may take a while; the engine bounds each attempt.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// routes registers the API and observability endpoints.
func (g *Gateway) routes() {
	group := g.okapi.Group("/v1", observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer), g.authenticate)

	group.Post("/tasks/{id}/run", g.handleRunTask,
		okapi.DocSummary("Run a task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task identifier"),
		okapi.DocRequestBody(RunTaskRequest{}),
		okapi.DocResponse(engine.RunResult{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusPaymentRequired, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	group.Get("/executions", g.handleHistory,
		okapi.DocSummary("List execution records"),
		okapi.DocTags("Executions"),
		okapi.DocResponse(audit.Page{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	group.Get("/templates", g.handleTemplates,
		okapi.DocSummary("List the tasks the caller can run"),
		okapi.DocTags("Templates"),
		okapi.DocResponse([]domain.TemplateSummary{}),
	)
	group.Post("/variants", g.handleCreateVariant,
		okapi.DocSummary("Create a template variant"),
		okapi.DocTags("Templates"),
		okapi.DocRequestBody(engine.VariantRequest{}),
		okapi.DocResponse(http.StatusCreated, VariantResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	group.Delete("/variants/{id}", g.handleDeactivateVariant,
		okapi.DocSummary("Deactivate a template variant"),
		okapi.DocTags("Templates"),
		okapi.DocPathParam("id", "string", "Variant ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "KI2GO", Version: "v1"})
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate resolves the API key to a principal and stores it on the
// request context under "userID", "orgID" and "role".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		p, ok := lookupKey(g.config.APIKeys, strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", p.UserID)
		c.Set("orgID", p.OrgID)
		c.Set("role", string(p.Role))
		return next(c)
	}
}

// lookupKey compares apiKey against every configured key in constant time.
func lookupKey(keys map[string]config.APIKeyRef, apiKey string) (domain.Principal, bool) {
	var found *config.APIKeyRef
	for key, ref := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			r := ref
			found = &r
		}
	}
	if found == nil || found.UserID == "" {
		return domain.Principal{}, false
	}
	role := domain.Role(found.Role)
	switch role {
	case domain.RoleOwner, domain.RoleAdmin, domain.RoleMember:
	default:
		role = domain.RoleMember
	}
	return domain.Principal{UserID: found.UserID, OrgID: found.OrgID, Role: role}, true
}

func principal(c *okapi.Context) domain.Principal {
	return domain.Principal{
		UserID: c.GetString("userID"),
		OrgID:  c.GetString("orgID"),
		Role:   domain.Role(c.GetString("role")),
	}
}

// Package engine runs tasks end to end: credit authorization, template
// resolution, variable binding, prompt assembly, the model call, cost
// commit and the audit record. It also serves execution history, template
// discovery and variant management.
//
// Every step before the model call is pre-flight: a failure there releases
// the reserved credit and no model call happens. After the call the credit
// is either committed with the real cost or, on upstream failure, released.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
	"github.com/jkaninda/ki2go/internal/llm"
	"github.com/jkaninda/ki2go/internal/observability"
	"github.com/jkaninda/ki2go/internal/prompt"
)

// Ledger is the credit ledger as the engine uses it.
type Ledger interface {
	Authorize(ctx context.Context, p domain.Principal) (*ledger.Token, error)
	Commit(ctx context.Context, tok *ledger.Token, usage ledger.Usage, processID, outcome string) (int64, error)
	Release(ctx context.Context, tok *ledger.Token) error
}

// Resolver picks the effective template for a caller.
type Resolver interface {
	Resolve(ctx context.Context, taskID, userID, orgID string) (*domain.ResolvedTemplate, error)
}

// Recorder writes and reads execution records.
type Recorder interface {
	Open(ctx context.Context, rt *domain.ResolvedTemplate, caller audit.Caller, documentIDs []string) (*domain.ExecutionRecord, error)
	Close(ctx context.Context, rec *domain.ExecutionRecord, o audit.Outcome) error
	History(ctx context.Context, f audit.Filter) (audit.Page, error)
}

// Templates is the template store subset used for discovery and variants.
type Templates interface {
	GetBase(ctx context.Context, id string) (*domain.BaseTemplate, error)
	ListCandidates(ctx context.Context, orgID, userID string) ([]prompt.Candidates, error)
	CreateVariant(ctx context.Context, v *domain.TemplateVariant) error
	GetVariant(ctx context.Context, id uuid.UUID) (*domain.TemplateVariant, error)
	DeactivateVariant(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
}

// Documents returns uploaded documents by identifier. Missing identifiers
// are absent from the map.
type Documents interface {
	Get(ctx context.Context, ids []string) (map[string]domain.Document, error)
}

// ListCache caches discovery results per caller. Implemented by
// cache.TemplateCache.
type ListCache interface {
	Get(ctx context.Context, orgID, userID string) ([]domain.TemplateSummary, bool)
	Set(ctx context.Context, orgID, userID string, list []domain.TemplateSummary)
	Invalidate(ctx context.Context) error
}

// Deps wires an Engine. Cache, Metrics, Tracer and Anomaly may be nil.
type Deps struct {
	Ledger    Ledger
	Resolver  Resolver
	Recorder  Recorder
	Templates Templates
	Documents Documents
	Invoker   llm.Invoker
	Cache     ListCache
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerSetup
	Anomaly   *observability.AnomalyDetector
	Logger    *slog.Logger
	Config    config.EngineConfig
}

// Engine orchestrates task executions. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	ledger    Ledger
	resolver  Resolver
	recorder  Recorder
	templates Templates
	documents Documents
	invoker   llm.Invoker
	cache     ListCache
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerSetup
	anomaly   *observability.AnomalyDetector
	logger    *slog.Logger
	cfg       config.EngineConfig
	now       func() time.Time
}

// New creates an Engine.
func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:    d.Ledger,
		resolver:  d.Resolver,
		recorder:  d.Recorder,
		templates: d.Templates,
		documents: d.Documents,
		invoker:   d.Invoker,
		cache:     d.Cache,
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		anomaly:   d.Anomaly,
		logger:    logger,
		cfg:       d.Config,
		now:       time.Now,
	}
}

package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/observability"
	"github.com/jkaninda/ki2go/internal/prompt"
	"github.com/jkaninda/ki2go/internal/storage"
)

// Store is the part of the template store the publisher writes to.
type Store interface {
	Publish(ctx context.Context, t *domain.BaseTemplate) (storage.PublishResult, error)
	GetBase(ctx context.Context, id string) (*domain.BaseTemplate, error)
	ListVariants(ctx context.Context, templateID string) ([]domain.TemplateVariant, error)
}

// Invalidator drops cached discovery results after the catalog changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// PublishResult summarizes a publish run.
type PublishResult struct {
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

// Publisher writes validated definitions into the store.
type Publisher struct {
	store   Store
	cache   Invalidator
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewPublisher creates a Publisher. cache and metrics may be nil.
func NewPublisher(store Store, cache Invalidator, metrics *observability.MetricsCollector, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, cache: cache, metrics: metrics, logger: logger}
}

// PublishAll publishes every definition. A failing definition does not stop
// the others.
func (p *Publisher) PublishAll(ctx context.Context, defs []Definition) *PublishResult {
	correlationID := newCorrelationID()
	result := &PublishResult{}

	for i := range defs {
		res, err := p.publish(ctx, defs[i].Template(), correlationID)
		switch {
		case err != nil:
			result.Failed++
		case res.Created:
			result.Created++
		case res.Changed:
			result.Updated++
		default:
			result.Unchanged++
		}
	}

	if result.Created+result.Updated > 0 {
		p.invalidate(ctx)
	}

	p.logger.InfoContext(ctx, "template publish complete",
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("unchanged", result.Unchanged),
		slog.Int("failed", result.Failed),
		slog.String("correlation_id", correlationID),
	)
	return result
}

// Publish publishes a single template.
func (p *Publisher) Publish(ctx context.Context, t *domain.BaseTemplate) (storage.PublishResult, error) {
	res, err := p.publish(ctx, t, newCorrelationID())
	if err == nil && res.Changed {
		p.invalidate(ctx)
	}
	return res, err
}

func (p *Publisher) publish(ctx context.Context, t *domain.BaseTemplate, correlationID string) (storage.PublishResult, error) {
	if err := prompt.ValidateSchema(t.Variables); err != nil {
		p.metrics.RecordPublish("invalid")
		p.logger.WarnContext(ctx, "template rejected",
			slog.String("template_id", t.ID),
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)
		return storage.PublishResult{}, fmt.Errorf("publishing %s: %w", t.ID, err)
	}

	res, err := p.store.Publish(ctx, t)
	if err != nil {
		p.metrics.RecordPublish("error")
		p.logger.ErrorContext(ctx, "template publish failed",
			slog.String("template_id", t.ID),
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)
		return res, err
	}

	switch {
	case res.Created:
		p.metrics.RecordPublish("created")
	case res.Changed:
		p.metrics.RecordPublish("updated")
	default:
		p.metrics.RecordPublish("unchanged")
		return res, nil
	}

	p.logger.InfoContext(ctx, "template published",
		slog.String("template_id", t.ID),
		slog.Int("version", res.Version),
		slog.Bool("created", res.Created),
		slog.String("correlation_id", correlationID),
	)
	if !res.Created {
		p.reportStaleVariants(ctx, t, res.Version)
	}
	return res, nil
}

// reportStaleVariants logs active variants authored against an older base
// version. Variants without their own schema now resolve with the new one,
// so their bodies are checked against it.
func (p *Publisher) reportStaleVariants(ctx context.Context, t *domain.BaseTemplate, version int) {
	variants, err := p.store.ListVariants(ctx, t.ID)
	if err != nil {
		p.logger.WarnContext(ctx, "listing variants after publish",
			slog.String("template_id", t.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, v := range variants {
		if !v.Active || v.BaseVersion >= version {
			continue
		}
		attrs := []any{
			slog.String("template_id", t.ID),
			slog.String("variant_id", v.ID.String()),
			slog.String("scope", string(v.Scope())),
			slog.Int("variant_base_version", v.BaseVersion),
			slog.Int("base_version", version),
		}
		if v.Variables == nil {
			var diags []string
			for _, d := range prompt.CheckConsistency(v.Body, t.Variables) {
				diags = append(diags, d.String())
			}
			attrs = append(attrs, slog.Any("diagnostics", diags))
		}
		p.logger.WarnContext(ctx, "variant pinned to an older base version", attrs...)
	}
}

// Archive marks a published template archived so it no longer resolves
// through the base fallback.
func (p *Publisher) Archive(ctx context.Context, id string) error {
	base, err := p.store.GetBase(ctx, id)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", id, err)
	}
	if base.Status == domain.TemplateArchived {
		return nil
	}
	base.Status = domain.TemplateArchived
	if _, err := p.publish(ctx, base, newCorrelationID()); err != nil {
		return fmt.Errorf("archiving %s: %w", id, err)
	}
	p.invalidate(ctx)
	return nil
}

func (p *Publisher) invalidate(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx); err != nil {
		p.logger.WarnContext(ctx, "template cache invalidation failed", slog.String("error", err.Error()))
	}
}

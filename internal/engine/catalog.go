package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/prompt"
)

// History returns one page of execution records, newest first.
func (e *Engine) History(ctx context.Context, f audit.Filter) (audit.Page, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return audit.Page{}, prompt.ValidationErrors{{Code: prompt.InvalidOption, Key: "to", Detail: "end of range before start"}}
	}
	return e.recorder.History(ctx, f)
}

// ListResolvable returns every task the caller can run, with the template
// that would govern it. Results are cached per caller until the next
// publish or variant change.
func (e *Engine) ListResolvable(ctx context.Context, userID, orgID string) ([]domain.TemplateSummary, error) {
	if e.cache != nil {
		if list, ok := e.cache.Get(ctx, orgID, userID); ok {
			return list, nil
		}
	}

	candidates, err := e.templates.ListCandidates(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}

	out := make([]domain.TemplateSummary, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		rt, err := prompt.ResolveCandidates(prompt.DefaultStrategies, c, c.Base.ID, orgID, userID)
		if err != nil {
			var ie *domain.IntegrityError
			if errors.As(err, &ie) {
				e.logger.ErrorContext(ctx, "skipping template with conflicting variants",
					slog.String("task_id", c.Base.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		out = append(out, domain.TemplateSummary{
			TemplateID:       rt.TemplateID,
			Title:            rt.Title,
			Description:      c.Base.Description,
			Categories:       c.Base.Categories,
			BusinessAreas:    c.Base.BusinessAreas,
			Source:           rt.Source,
			Version:          rt.Version,
			RequiresDocument: rt.RequiresDocument,
			Variables:        rt.Variables,
			StaleSchema:      rt.StaleSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })

	if e.cache != nil {
		e.cache.Set(ctx, orgID, userID, out)
	}
	return out, nil
}

// VariantRequest creates an organization-, user- or platform-wide variant.
type VariantRequest struct {
	TemplateID string                       `json:"template_id"`
	OrgID      string                       `json:"org_id,omitempty"`
	UserID     string                       `json:"user_id,omitempty"`
	Title      string                       `json:"title,omitempty"`
	Body       string                       `json:"body"`
	Variables  []domain.VariableDeclaration `json:"variables,omitempty"` // nil = inherit the base schema
}

// CreateVariant stores a new active variant pinned to the base template's
// current version. A second active variant for the same scope fails with
// *domain.IntegrityError.
func (e *Engine) CreateVariant(ctx context.Context, req VariantRequest) (*domain.TemplateVariant, error) {
	if req.UserID != "" && req.OrgID == "" {
		return nil, domain.ErrInvalidScope
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, prompt.ValidationErrors{{Code: prompt.MissingRequired, Key: "body"}}
	}

	base, err := e.templates.GetBase(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &prompt.NotFoundError{TaskID: req.TemplateID}
		}
		return nil, err
	}
	if req.Variables != nil {
		if err := prompt.ValidateSchema(req.Variables); err != nil {
			return nil, err
		}
	}

	schema := req.Variables
	if schema == nil {
		schema = base.Variables
	}
	for _, d := range prompt.CheckConsistency(req.Body, schema) {
		e.logger.WarnContext(ctx, "variant body inconsistent with schema",
			slog.String("task_id", req.TemplateID),
			slog.String("diagnostic", d.String()),
		)
	}

	v := &domain.TemplateVariant{
		TemplateID:  req.TemplateID,
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		Title:       req.Title,
		Body:        req.Body,
		Variables:   req.Variables,
		BaseVersion: base.Version,
		Active:      true,
	}
	if err := e.templates.CreateVariant(ctx, v); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "variant created",
		slog.String("variant_id", v.ID.String()),
		slog.String("task_id", v.TemplateID),
		slog.String("scope", string(v.Scope())),
		slog.Int("base_version", v.BaseVersion),
	)
	e.invalidate(ctx)
	return v, nil
}

// Variant returns a variant by ID, active or not.
func (e *Engine) Variant(ctx context.Context, id uuid.UUID) (*domain.TemplateVariant, error) {
	return e.templates.GetVariant(ctx, id)
}

// DeactivateVariant frees the variant's scope. It reports false when the
// variant was already inactive.
func (e *Engine) DeactivateVariant(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := e.templates.DeactivateVariant(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		e.invalidate(ctx)
	}
	return ok, nil
}

func (e *Engine) invalidate(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.WarnContext(ctx, "invalidating template cache", slog.Any("error", err))
	}
}

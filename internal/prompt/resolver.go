// Package prompt implements template resolution, variable validation and
// prompt assembly. Everything here except Resolver.Resolve is a pure
// function of its inputs.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/ki2go/internal/domain"
)

// Candidates is everything the strategies may pick from for one task:
// the base template and every variant that could apply to the caller.
type Candidates struct {
	Base     *domain.BaseTemplate
	Variants []domain.TemplateVariant
}

// CandidateSource loads the candidates for a task. It returns
// domain.ErrNotFound (wrapped or not) when the base template does not exist.
type CandidateSource interface {
	LoadCandidates(ctx context.Context, taskID, orgID, userID string) (*Candidates, error)
}

// Strategy is one tier of the resolution priority. Match returns
// (nil, nil) when the tier does not apply.
type Strategy struct {
	Name  domain.Source
	Match func(c *Candidates, orgID, userID string) (*domain.ResolvedTemplate, error)
}

// UserScoped matches an active variant scoped to the caller's org and user.
var UserScoped = Strategy{
	Name: domain.SourceUser,
	Match: func(c *Candidates, orgID, userID string) (*domain.ResolvedTemplate, error) {
		if orgID == "" || userID == "" {
			return nil, nil
		}
		return pickVariant(c, domain.SourceUser, orgID, userID)
	},
}

// OrgScoped matches an organization-wide active variant.
var OrgScoped = Strategy{
	Name: domain.SourceOrg,
	Match: func(c *Candidates, orgID, _ string) (*domain.ResolvedTemplate, error) {
		if orgID == "" {
			return nil, nil
		}
		return pickVariant(c, domain.SourceOrg, orgID, "")
	},
}

// GlobalScoped matches a platform-wide active variant.
var GlobalScoped = Strategy{
	Name: domain.SourceGlobal,
	Match: func(c *Candidates, _, _ string) (*domain.ResolvedTemplate, error) {
		return pickVariant(c, domain.SourceGlobal, "", "")
	},
}

// BaseFallback matches the base template when it is active.
var BaseFallback = Strategy{
	Name: domain.SourceBase,
	Match: func(c *Candidates, _, _ string) (*domain.ResolvedTemplate, error) {
		b := c.Base
		if b == nil || b.Status != domain.TemplateActive {
			return nil, nil
		}
		return &domain.ResolvedTemplate{
			TemplateID:       b.ID,
			Source:           domain.SourceBase,
			Version:          b.Version,
			BaseVersion:      b.Version,
			Title:            b.Title,
			Body:             b.Body,
			Variables:        b.Variables,
			RequiresDocument: b.RequiresDocument,
			MaxDocuments:     b.MaxDocuments,
			MaxDocumentBytes: b.MaxDocumentBytes,
		}, nil
	},
}

// DefaultStrategies is the resolution priority: user > organization >
// global > base. The order is a contract.
var DefaultStrategies = []Strategy{UserScoped, OrgScoped, GlobalScoped, BaseFallback}

// pickVariant returns the single active variant for the scope. Variants of
// an archived base never resolve; drafts keep theirs.
func pickVariant(c *Candidates, scope domain.Source, orgID, userID string) (*domain.ResolvedTemplate, error) {
	if c.Base == nil || c.Base.Status == domain.TemplateArchived {
		return nil, nil
	}
	var found *domain.TemplateVariant
	for i := range c.Variants {
		v := &c.Variants[i]
		if !v.Active || v.TemplateID != c.Base.ID || v.Scope() != scope {
			continue
		}
		if v.OrgID != orgID || v.UserID != userID {
			continue
		}
		if found != nil {
			return nil, &domain.IntegrityError{
				Op:     "resolve",
				Detail: fmt.Sprintf("multiple active %s variants for task %s (%s, %s)", scope, c.Base.ID, found.ID, v.ID),
			}
		}
		found = v
	}
	if found == nil {
		return nil, nil
	}

	vars := found.Variables
	if vars == nil {
		vars = c.Base.Variables
	}
	title := found.Title
	if title == "" {
		title = c.Base.Title
	}
	id := found.ID
	return &domain.ResolvedTemplate{
		TemplateID:       c.Base.ID,
		VariantID:        &id,
		Source:           scope,
		Version:          found.Version,
		BaseVersion:      c.Base.Version,
		Title:            title,
		Body:             found.Body,
		Variables:        vars,
		RequiresDocument: c.Base.RequiresDocument,
		MaxDocuments:     c.Base.MaxDocuments,
		MaxDocumentBytes: c.Base.MaxDocumentBytes,
		StaleSchema:      found.BaseVersion < c.Base.Version,
	}, nil
}

// ResolveCandidates applies strategies in order and returns the first match.
func ResolveCandidates(strategies []Strategy, c *Candidates, taskID, orgID, userID string) (*domain.ResolvedTemplate, error) {
	if c == nil || c.Base == nil {
		return nil, &NotFoundError{TaskID: taskID}
	}
	for _, s := range strategies {
		rt, err := s.Match(c, orgID, userID)
		if err != nil {
			return nil, err
		}
		if rt != nil {
			return rt, nil
		}
	}
	return nil, &NotFoundError{TaskID: taskID}
}

// Resolver selects the effective template for a (task, user, org) triple.
type Resolver struct {
	source     CandidateSource
	strategies []Strategy
	logger     *slog.Logger
}

// NewResolver creates a Resolver using DefaultStrategies.
func NewResolver(source CandidateSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, strategies: DefaultStrategies, logger: logger}
}

// Resolve returns the winning template or *NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, taskID, userID, orgID string) (*domain.ResolvedTemplate, error) {
	c, err := r.source.LoadCandidates(ctx, taskID, orgID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &NotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("loading candidates for %s: %w", taskID, err)
	}
	rt, err := ResolveCandidates(r.strategies, c, taskID, orgID, userID)
	if err != nil {
		var ie *domain.IntegrityError
		if errors.As(err, &ie) {
			r.logger.ErrorContext(ctx, "template resolution integrity violation",
				slog.String("task_id", taskID),
				slog.String("org_id", orgID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	if rt.StaleSchema {
		r.logger.WarnContext(ctx, "resolved variant authored against an older base version",
			slog.String("task_id", taskID),
			slog.String("source", string(rt.Source)),
			slog.Int("base_version", rt.BaseVersion),
		)
	}
	return rt, nil
}

// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production/multi-tenant).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
	"github.com/jkaninda/ki2go/internal/prompt"
)

// Store is the unified persistence interface for KI2GO.
// Both SQLite and PostgreSQL backends implement this interface; the
// sub-stores share the same underlying connection.
type Store interface {
	Templates() TemplateStore
	Ledger() AccountStore
	Executions() audit.Store
	Documents() DocumentStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// PublishResult reports what Publish did to a base template.
type PublishResult struct {
	Version int
	Created bool
	Changed bool // false when the stored content was already identical
}

// TemplateStore persists base templates and their variants.
type TemplateStore interface {
	prompt.CandidateSource

	// Publish creates or replaces a base template. The version is bumped
	// only when the content differs from what is stored.
	Publish(ctx context.Context, t *domain.BaseTemplate) (PublishResult, error)
	GetBase(ctx context.Context, id string) (*domain.BaseTemplate, error)
	ListBases(ctx context.Context) ([]domain.BaseTemplate, error)
	// ListCandidates returns the candidates of every base template for a
	// caller, ordered by template identifier.
	ListCandidates(ctx context.Context, orgID, userID string) ([]prompt.Candidates, error)

	// CreateVariant inserts a variant. A second active variant for the same
	// scope fails with *domain.IntegrityError.
	CreateVariant(ctx context.Context, v *domain.TemplateVariant) error
	GetVariant(ctx context.Context, id uuid.UUID) (*domain.TemplateVariant, error)
	DeactivateVariant(ctx context.Context, id uuid.UUID) (bool, error)
	ListVariants(ctx context.Context, templateID string) ([]domain.TemplateVariant, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
}

// AccountStore is the ledger's persistence plus plan administration.
type AccountStore interface {
	ledger.Store

	// UpdatePlan is called by the billing integration.
	UpdatePlan(ctx context.Context, id uuid.UUID, planID string, ceiling *int64, status domain.SubscriptionStatus) error
	ListAccounts(ctx context.Context) ([]domain.CreditAccount, error)
}

// DocumentStore holds uploaded documents with their extracted text.
type DocumentStore interface {
	// Get returns the documents among ids that exist; unknown ids are absent
	// from the map.
	Get(ctx context.Context, ids []string) (map[string]domain.Document, error)
	Put(ctx context.Context, d *domain.Document) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

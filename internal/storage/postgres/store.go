package postgres

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/storage"
)

// Repositories lazily builds the GORM repositories over one connection.
// Both the PostgreSQL and SQLite stores embed it.
type Repositories struct {
	db *gorm.DB

	mu         sync.Mutex
	templates  storage.TemplateStore
	accounts   storage.AccountStore
	executions audit.Store
	documents  storage.DocumentStore
}

// NewRepositories returns repositories bound to db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{db: db}
}

func (r *Repositories) Templates() storage.TemplateStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.templates == nil {
		r.templates = NewTemplateRepository(r.db)
	}
	return r.templates
}

func (r *Repositories) Ledger() storage.AccountStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accounts == nil {
		r.accounts = NewAccountRepository(r.db)
	}
	return r.accounts
}

func (r *Repositories) Executions() audit.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executions == nil {
		r.executions = NewExecutionRepository(r.db)
	}
	return r.executions
}

func (r *Repositories) Documents() storage.DocumentStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents == nil {
		r.documents = NewDocumentRepository(r.db)
	}
	return r.documents
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	pgDB *DB
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{Repositories: NewRepositories(pgDB.GormDB()), pgDB: pgDB}
}

// Migrate is a no-op: Open already migrated the schema.
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)

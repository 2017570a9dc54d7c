package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
)

// nextSequenceSQL increments the year's counter, creating it on first use.
// Both backends support ON CONFLICT ... RETURNING.
const nextSequenceSQL = `INSERT INTO process_sequences (year, value) VALUES (?, 1)
ON CONFLICT (year) DO UPDATE SET value = process_sequences.value + 1
RETURNING value`

// ExecutionRepository implements audit.Store.
// Records are inserted once and finished once; no Delete method exists.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) NextSequence(ctx context.Context, year int) (int64, error) {
	var value int64
	if err := r.db.WithContext(ctx).Raw(nextSequenceSQL, year).Scan(&value).Error; err != nil {
		return 0, fmt.Errorf("incrementing sequence for %d: %w", year, err)
	}
	return value, nil
}

func (r *ExecutionRepository) Insert(ctx context.Context, rec *domain.ExecutionRecord) error {
	m := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return integrity("insert execution record", "process id "+rec.ProcessID, err)
	}
	return nil
}

// Finish is guarded by status = 'pending' so a record closes exactly once.
func (r *ExecutionRepository) Finish(ctx context.Context, id uuid.UUID, o audit.Outcome, completedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&ExecutionRecordModel{}).
		Where("id = ? AND status = ?", id, string(domain.ExecutionPending)).
		Updates(map[string]any{
			"status":        string(o.Status),
			"error_class":   string(o.ErrorClass),
			"error_detail":  o.ErrorDetail,
			"input_tokens":  o.InputTokens,
			"output_tokens": o.OutputTokens,
			"cost_micros":   o.CostMicros,
			"duration_ms":   o.Duration.Milliseconds(),
			"truncated":     o.Truncated,
			"completed_at":  completedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("finishing execution %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// historyScope applies the filter's predicates (not paging).
func historyScope(f audit.Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.OrgID != "" {
			db = db.Where("org_id = ?", f.OrgID)
		}
		if f.UserID != "" {
			db = db.Where("user_id = ?", f.UserID)
		}
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		if !f.From.IsZero() {
			db = db.Where("created_at >= ?", f.From.UTC())
		}
		if !f.To.IsZero() {
			db = db.Where("created_at < ?", f.To.UTC())
		}
		return db
	}
}

// Query returns one page of matching records, newest first, and the total
// number of matches.
func (r *ExecutionRepository) Query(ctx context.Context, f audit.Filter) ([]domain.ExecutionRecord, int64, error) {
	f = f.Normalize()

	var total int64
	err := r.db.WithContext(ctx).
		Model(&ExecutionRecordModel{}).
		Scopes(historyScope(f)).
		Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("counting execution records: %w", err)
	}

	var models []ExecutionRecordModel
	err = r.db.WithContext(ctx).
		Scopes(historyScope(f)).
		Order("created_at DESC").
		Order("process_id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("querying execution records: %w", err)
	}

	recs := make([]domain.ExecutionRecord, len(models))
	for i := range models {
		recs[i] = toExecutionDomain(&models[i])
	}
	return recs, total, nil
}

func (r *ExecutionRepository) GetByProcessID(ctx context.Context, processID string) (*domain.ExecutionRecord, error) {
	var m ExecutionRecordModel
	if err := r.db.WithContext(ctx).First(&m, "process_id = ?", processID).Error; err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", processID, notFound(err))
	}
	rec := toExecutionDomain(&m)
	return &rec, nil
}

func (r *ExecutionRepository) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ExecutionRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(domain.ExecutionPending), cutoff.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending executions: %w", err)
	}
	recs := make([]domain.ExecutionRecord, len(models))
	for i := range models {
		recs[i] = toExecutionDomain(&models[i])
	}
	return recs, nil
}

// Compile-time check.
var _ audit.Store = (*ExecutionRepository)(nil)

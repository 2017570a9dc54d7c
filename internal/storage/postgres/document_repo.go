package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/storage"
)

// DocumentRepository implements storage.DocumentStore. Blobs live
// elsewhere; only metadata and extracted text are stored here.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a DocumentRepository.
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Get(ctx context.Context, ids []string) (map[string]domain.Document, error) {
	out := make(map[string]domain.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []DocumentModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}
	for i := range models {
		out[models[i].ID] = toDocumentDomain(&models[i])
	}
	return out, nil
}

// Put stores or replaces a document.
func (r *DocumentRepository) Put(ctx context.Context, d *domain.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m := toDocumentModel(d)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"filename", "mime_type", "size_bytes", "extracted_text"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("storing document %s: %w", d.ID, err)
	}
	return nil
}

// DeleteBefore purges documents uploaded before cutoff. Execution records
// keep their document ids.
func (r *DocumentRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&DocumentModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging documents: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Compile-time check.
var _ storage.DocumentStore = (*DocumentRepository)(nil)

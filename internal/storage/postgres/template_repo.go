package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/prompt"
	"github.com/jkaninda/ki2go/internal/storage"
)

// errConcurrentPublish is returned when another publisher bumped the
// version between read and write.
var errConcurrentPublish = errors.New("template modified concurrently")

// TemplateRepository implements storage.TemplateStore.
type TemplateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository creates a TemplateRepository.
func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// visibleVariants restricts variants to those that can apply to orgID:
// global ones always, org/user ones only within the caller's organization.
func visibleVariants(orgID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("active = ?", true)
		if orgID == "" {
			return db.Where("org_id = ''")
		}
		return db.Where("(org_id = '' OR org_id = ?)", orgID)
	}
}

func (r *TemplateRepository) LoadCandidates(ctx context.Context, taskID, orgID, _ string) (*prompt.Candidates, error) {
	var base BaseTemplateModel
	if err := r.db.WithContext(ctx).First(&base, "id = ?", taskID).Error; err != nil {
		return nil, fmt.Errorf("loading template %s: %w", taskID, notFound(err))
	}

	var models []TemplateVariantModel
	err := r.db.WithContext(ctx).
		Scopes(visibleVariants(orgID)).
		Where("template_id = ?", taskID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading variants of %s: %w", taskID, err)
	}

	c := &prompt.Candidates{Base: toBaseDomain(&base)}
	for i := range models {
		c.Variants = append(c.Variants, toVariantDomain(&models[i]))
	}
	return c, nil
}

func (r *TemplateRepository) Publish(ctx context.Context, t *domain.BaseTemplate) (storage.PublishResult, error) {
	now := time.Now().UTC()
	m := toBaseModel(t)

	var res storage.PublishResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored BaseTemplateModel
		err := tx.First(&stored, "id = ?", t.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m.Version = 1
			m.PublishedAt = now
			m.CreatedAt = now
			m.UpdatedAt = now
			if err := tx.Create(&m).Error; err != nil {
				return integrity("publish", "template "+t.ID, err)
			}
			res = storage.PublishResult{Version: 1, Created: true, Changed: true}
			return nil
		}
		if err != nil {
			return err
		}

		if sameContent(&stored, &m) {
			res = storage.PublishResult{Version: stored.Version}
			m = stored
			return nil
		}

		m.Version = stored.Version + 1
		m.PublishedAt = now
		m.CreatedAt = stored.CreatedAt
		m.UpdatedAt = now
		result := tx.Model(&BaseTemplateModel{}).
			Where("id = ? AND version = ?", t.ID, stored.Version).
			Updates(map[string]any{
				"title":              m.Title,
				"description":        m.Description,
				"categories":         m.Categories,
				"business_areas":     m.BusinessAreas,
				"variables":          m.Variables,
				"body":               m.Body,
				"requires_document":  m.RequiresDocument,
				"max_documents":      m.MaxDocuments,
				"max_document_bytes": m.MaxDocumentBytes,
				"status":             m.Status,
				"version":            m.Version,
				"published_at":       m.PublishedAt,
				"updated_at":         m.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errConcurrentPublish
		}
		res = storage.PublishResult{Version: m.Version, Changed: true}
		return nil
	})
	if err != nil {
		return storage.PublishResult{}, fmt.Errorf("publishing template %s: %w", t.ID, err)
	}

	t.Version = m.Version
	t.PublishedAt = m.PublishedAt
	t.CreatedAt = m.CreatedAt
	t.UpdatedAt = m.UpdatedAt
	return res, nil
}

func (r *TemplateRepository) GetBase(ctx context.Context, id string) (*domain.BaseTemplate, error) {
	var m BaseTemplateModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting template %s: %w", id, notFound(err))
	}
	return toBaseDomain(&m), nil
}

func (r *TemplateRepository) ListBases(ctx context.Context) ([]domain.BaseTemplate, error) {
	var models []BaseTemplateModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	out := make([]domain.BaseTemplate, len(models))
	for i := range models {
		out[i] = *toBaseDomain(&models[i])
	}
	return out, nil
}

func (r *TemplateRepository) ListCandidates(ctx context.Context, orgID, _ string) ([]prompt.Candidates, error) {
	bases, err := r.ListBases(ctx)
	if err != nil {
		return nil, err
	}

	var models []TemplateVariantModel
	err = r.db.WithContext(ctx).
		Scopes(visibleVariants(orgID)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing variants: %w", err)
	}
	byTemplate := make(map[string][]domain.TemplateVariant)
	for i := range models {
		byTemplate[models[i].TemplateID] = append(byTemplate[models[i].TemplateID], toVariantDomain(&models[i]))
	}

	out := make([]prompt.Candidates, len(bases))
	for i := range bases {
		out[i] = prompt.Candidates{Base: &bases[i], Variants: byTemplate[bases[i].ID]}
	}
	return out, nil
}

func (r *TemplateRepository) CreateVariant(ctx context.Context, v *domain.TemplateVariant) error {
	now := time.Now().UTC()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Version == 0 {
		v.Version = 1
	}
	v.CreatedAt = now
	v.UpdatedAt = now

	m := toVariantModel(v)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		err = integrity("create variant", fmt.Sprintf("active variant exists for %s org=%q user=%q", v.TemplateID, v.OrgID, v.UserID), err)
		return fmt.Errorf("creating variant: %w", err)
	}
	return nil
}

func (r *TemplateRepository) GetVariant(ctx context.Context, id uuid.UUID) (*domain.TemplateVariant, error) {
	var m TemplateVariantModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting variant %s: %w", id, notFound(err))
	}
	v := toVariantDomain(&m)
	return &v, nil
}

// DeactivateVariant frees the variant's active slot. It reports false when
// the variant was already inactive or does not exist.
func (r *TemplateRepository) DeactivateVariant(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&TemplateVariantModel{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{
			"active":           false,
			"active_scope_key": nil,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("deactivating variant %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *TemplateRepository) ListVariants(ctx context.Context, templateID string) ([]domain.TemplateVariant, error) {
	var models []TemplateVariantModel
	err := r.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing variants of %s: %w", templateID, err)
	}
	out := make([]domain.TemplateVariant, len(models))
	for i := range models {
		out[i] = toVariantDomain(&models[i])
	}
	return out, nil
}

func (r *TemplateRepository) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&TemplateVariantModel{}).
		Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + 1")).Error
	if err != nil {
		return fmt.Errorf("incrementing usage of variant %s: %w", id, err)
	}
	return nil
}

// Compile-time check.
var _ storage.TemplateStore = (*TemplateRepository)(nil)

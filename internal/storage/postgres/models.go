package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSON-valued columns are stored as text so the same models migrate on
// both PostgreSQL and SQLite.

// BaseTemplateModel maps to the "base_templates" table.
type BaseTemplateModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	Description      string `gorm:"type:text"`
	Categories       string `gorm:"type:text;not null;default:'[]'"`
	BusinessAreas    string `gorm:"type:text;not null;default:'[]'"`
	Variables        string `gorm:"type:text;not null;default:'[]'"`
	Body             string `gorm:"type:text;not null"`
	RequiresDocument bool   `gorm:"not null;default:false"`
	MaxDocuments     int    `gorm:"not null;default:0"`
	MaxDocumentBytes int64  `gorm:"not null;default:0"`
	Status           string `gorm:"not null;default:'draft';index"`
	Version          int    `gorm:"not null;default:1"`
	PublishedAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (BaseTemplateModel) TableName() string { return "base_templates" }

// TemplateVariantModel maps to the "template_variants" table.
// ActiveScopeKey is set only while the variant is active; its unique index
// allows one active variant per (template, org, user).
type TemplateVariantModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TemplateID     string    `gorm:"not null;index"`
	OrgID          string    `gorm:"not null;default:'';index"`
	UserID         string    `gorm:"not null;default:''"`
	Title          string    `gorm:"not null;default:''"`
	Body           string    `gorm:"type:text;not null"`
	Variables      *string   `gorm:"type:text"` // NULL = inherit the base schema
	Version        int       `gorm:"not null;default:1"`
	BaseVersion    int       `gorm:"not null"`
	Active         bool      `gorm:"not null"`
	ActiveScopeKey *string   `gorm:"uniqueIndex"`
	UsageCount     int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (TemplateVariantModel) TableName() string { return "template_variants" }

// CreditAccountModel maps to the "credit_accounts" table.
type CreditAccountModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountKey string    `gorm:"not null;uniqueIndex"` // "org:<id>" or "user:<id>"
	OrgID      string    `gorm:"not null;default:''"`
	UserID     string    `gorm:"not null;default:''"`
	PlanID     string    `gorm:"not null;default:'trial'"`
	Ceiling    *int64    `gorm:"default:null"` // NULL = unlimited
	Consumed   int64     `gorm:"not null;default:0"`
	CycleStart time.Time `gorm:"not null"`
	Status     string    `gorm:"not null;default:'trial'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (CreditAccountModel) TableName() string { return "credit_accounts" }

// Reservation states.
const (
	reservationReserved  = "reserved"
	reservationCommitted = "committed"
	reservationReleased  = "released"
)

// ReservationModel maps to the "credit_reservations" table.
// The state column moves reserved -> committed | released exactly once.
type ReservationModel struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AccountID  uuid.UUID  `gorm:"type:uuid;not null;index"`
	UserID     string     `gorm:"not null;default:''"`
	CycleStart time.Time  `gorm:"not null"`
	State      string     `gorm:"not null;default:'reserved';index"`
	CreatedAt  time.Time  `gorm:"index"`
	ResolvedAt *time.Time
}

func (ReservationModel) TableName() string { return "credit_reservations" }

// CostEntryModel maps to the "cost_entries" table.
// Append-only, one row per committed reservation.
type CostEntryModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID     uuid.UUID `gorm:"type:uuid;not null;index:idx_cost_account_time,priority:1"`
	ReservationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	ProcessID     string    `gorm:"index"`
	Model         string    `gorm:"not null;default:''"`
	InputTokens   int       `gorm:"not null;default:0"`
	OutputTokens  int       `gorm:"not null;default:0"`
	CostMicros    int64     `gorm:"not null;default:0"`
	Outcome       string    `gorm:"not null;default:''"`
	CreatedAt     time.Time `gorm:"index:idx_cost_account_time,priority:2"`
}

func (CostEntryModel) TableName() string { return "cost_entries" }

// ExecutionRecordModel maps to the "execution_records" table.
// No DeletedAt: records are never removed.
type ExecutionRecordModel struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProcessID       string     `gorm:"not null;uniqueIndex"`
	TemplateID      string     `gorm:"not null;index"`
	VariantID       *uuid.UUID `gorm:"type:uuid"`
	Source          string     `gorm:"not null"`
	TemplateVersion int        `gorm:"not null"`
	OrgID           string     `gorm:"not null;default:'';index"`
	UserID          string     `gorm:"not null;index"`
	ReservationID   uuid.UUID  `gorm:"type:uuid"`
	Status          string     `gorm:"not null;default:'pending';index"`
	ErrorClass      string     `gorm:"not null;default:''"`
	ErrorDetail     string     `gorm:"type:text"`
	InputTokens     int        `gorm:"not null;default:0"`
	OutputTokens    int        `gorm:"not null;default:0"`
	CostMicros      int64      `gorm:"not null;default:0"`
	DurationMS      int64      `gorm:"not null;default:0"`
	DocumentIDs     string     `gorm:"type:text;not null;default:'[]'"`
	Truncated       bool       `gorm:"not null;default:false"`
	CreatedAt       time.Time  `gorm:"index"`
	CompletedAt     *time.Time
}

func (ExecutionRecordModel) TableName() string { return "execution_records" }

// ProcessSequenceModel maps to the "process_sequences" table: one counter
// row per calendar year.
type ProcessSequenceModel struct {
	Year  int   `gorm:"primaryKey;autoIncrement:false"`
	Value int64 `gorm:"not null"`
}

func (ProcessSequenceModel) TableName() string { return "process_sequences" }

// DocumentModel maps to the "documents" table.
type DocumentModel struct {
	ID            string    `gorm:"primaryKey"`
	OrgID         string    `gorm:"not null;default:'';index"`
	UserID        string    `gorm:"not null"`
	Filename      string    `gorm:"not null"`
	MimeType      string    `gorm:"not null"`
	SizeBytes     int64     `gorm:"not null"`
	ExtractedText string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (DocumentModel) TableName() string { return "documents" }

// allModels lists every table in migration order.
func allModels() []any {
	return []any{
		&BaseTemplateModel{},
		&TemplateVariantModel{},
		&CreditAccountModel{},
		&ReservationModel{},
		&CostEntryModel{},
		&ExecutionRecordModel{},
		&ProcessSequenceModel{},
		&DocumentModel{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}

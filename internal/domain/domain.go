// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TemplateStatus is the lifecycle state of a BaseTemplate.
type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplateActive   TemplateStatus = "active"
	TemplateArchived TemplateStatus = "archived"
)

// Valid reports whether s is one of the known lifecycle states.
func (s TemplateStatus) Valid() bool {
	switch s {
	case TemplateDraft, TemplateActive, TemplateArchived:
		return true
	}
	return false
}

// VariableType is the closed set of input kinds a template may declare.
type VariableType string

const (
	VarText     VariableType = "text"
	VarTextarea VariableType = "textarea"
	VarSelect   VariableType = "select"
	VarFile     VariableType = "file"
)

// variableTypes is the closed mapping table. Anything not listed here is
// rejected when a template is published.
var variableTypes = map[VariableType]struct {
	Multiline bool
	Document  bool
}{
	VarText:     {},
	VarTextarea: {Multiline: true},
	VarSelect:   {},
	VarFile:     {Document: true},
}

// Known reports whether t is part of the closed variable type table.
func (t VariableType) Known() bool {
	_, ok := variableTypes[t]
	return ok
}

// IsDocument reports whether values of this type reference uploaded documents.
func (t VariableType) IsDocument() bool {
	return variableTypes[t].Document
}

// VariableTypes returns the closed set in a stable order.
func VariableTypes() []VariableType {
	return []VariableType{VarText, VarTextarea, VarSelect, VarFile}
}

// VariableDeclaration describes a single input slot of a template.
// Declarations are frozen for a published version.
type VariableDeclaration struct {
	Key       string       `json:"key" yaml:"key"`
	Label     string       `json:"label" yaml:"label"`
	Type      VariableType `json:"type" yaml:"type"`
	Required  bool         `json:"required" yaml:"required"`
	Options   []string     `json:"options,omitempty" yaml:"options,omitempty"`       // select only
	MaxBytes  int64        `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`   // file only, 0 = no limit
	MimeTypes []string     `json:"mime_types,omitempty" yaml:"mime_types,omitempty"` // file only, empty = any
}

// BaseTemplate is the platform-operator-authored default for a task.
type BaseTemplate struct {
	ID               string
	Title            string
	Description      string
	Categories       []string
	BusinessAreas    []string
	Variables        []VariableDeclaration
	Body             string
	RequiresDocument bool
	MaxDocuments     int
	MaxDocumentBytes int64
	Status           TemplateStatus
	Version          int
	PublishedAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TemplateVariant is an organization- or user-specific override of a
// BaseTemplate's prompt text. Empty OrgID / UserID mean "not scoped".
type TemplateVariant struct {
	ID          uuid.UUID
	TemplateID  string
	OrgID       string
	UserID      string
	Title       string
	Body        string
	Variables   []VariableDeclaration // nil = inherit the base schema
	Version     int
	BaseVersion int // base version the variant was authored against
	Active      bool
	UsageCount  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Scope reports which resolution tier the variant belongs to.
func (v *TemplateVariant) Scope() Source {
	switch {
	case v.UserID != "":
		return SourceUser
	case v.OrgID != "":
		return SourceOrg
	default:
		return SourceGlobal
	}
}

// Source identifies which resolution tier produced a ResolvedTemplate.
type Source string

const (
	SourceUser   Source = "user"
	SourceOrg    Source = "organization"
	SourceGlobal Source = "global"
	SourceBase   Source = "base"
)

// ResolvedTemplate is the effective template for one execution.
type ResolvedTemplate struct {
	TemplateID       string
	VariantID        *uuid.UUID // nil when the base template won
	Source           Source
	Version          int // version of the winning entity
	BaseVersion      int // current version of the base template
	Title            string
	Body             string
	Variables        []VariableDeclaration
	RequiresDocument bool
	MaxDocuments     int
	MaxDocumentBytes int64
	StaleSchema      bool // variant authored against an older base version
}

// Document is an uploaded file with its extracted text.
type Document struct {
	ID            string
	OrgID         string
	UserID        string
	Filename      string
	MimeType      string
	SizeBytes     int64
	ExtractedText string
	CreatedAt     time.Time
}

// Role is the caller's platform role.
type Role string

const (
	RoleOwner  Role = "owner" // platform operator
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Principal is the calling identity for an execution.
type Principal struct {
	UserID string
	OrgID  string
	Role   Role
}

// SubscriptionStatus is the billing state of a CreditAccount.
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// Usable reports whether executions may be authorized in this state.
func (s SubscriptionStatus) Usable() bool {
	return s == SubscriptionTrial || s == SubscriptionActive
}

// CreditAccount holds plan limits and consumption for an organization,
// or for a single user when no organization exists.
type CreditAccount struct {
	ID         uuid.UUID
	OrgID      string
	UserID     string
	PlanID     string
	Ceiling    *int64 // nil = unlimited
	Consumed   int64
	CycleStart time.Time
	Status     SubscriptionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExecutionStatus is the state of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ErrorClass classifies a failed execution.
type ErrorClass string

const (
	ErrorClassNone       ErrorClass = ""
	ErrorClassValidation ErrorClass = "validation"
	ErrorClassUpstream   ErrorClass = "upstream"
	ErrorClassCancelled  ErrorClass = "cancelled"
	ErrorClassAbandoned  ErrorClass = "abandoned"
	ErrorClassIntegrity  ErrorClass = "integrity"
	ErrorClassInternal   ErrorClass = "internal"
)

// ExecutionRecord is the immutable audit entry for one task run.
type ExecutionRecord struct {
	ID              uuid.UUID
	ProcessID       string // KI2GO-<year>-<seq>
	TemplateID      string
	VariantID       *uuid.UUID
	Source          Source
	TemplateVersion int
	OrgID           string
	UserID          string
	ReservationID   uuid.UUID
	Status          ExecutionStatus
	ErrorClass      ErrorClass
	ErrorDetail     string
	InputTokens     int
	OutputTokens    int
	CostMicros      int64
	Duration        time.Duration
	DocumentIDs     []string
	Truncated       bool
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Outcome returns the status label used in reports, e.g. "failed:upstream".
func (r *ExecutionRecord) Outcome() string {
	if r.Status == ExecutionFailed && r.ErrorClass != ErrorClassNone {
		return string(r.Status) + ":" + string(r.ErrorClass)
	}
	return string(r.Status)
}

// TemplateSummary is the discovery view of one resolvable task.
type TemplateSummary struct {
	TemplateID       string                `json:"template_id"`
	Title            string                `json:"title"`
	Description      string                `json:"description,omitempty"`
	Categories       []string              `json:"categories,omitempty"`
	BusinessAreas    []string              `json:"business_areas,omitempty"`
	Source           Source                `json:"source"`
	Version          int                   `json:"version"`
	RequiresDocument bool                  `json:"requires_document"`
	Variables        []VariableDeclaration `json:"variables"`
	StaleSchema      bool                  `json:"stale_schema,omitempty"`
}

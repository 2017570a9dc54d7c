package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
)

// --- JSON text columns ---

func marshalText(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	var out []string
	if s != "" && s != "[]" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}

func unmarshalVariables(s string) []domain.VariableDeclaration {
	var out []domain.VariableDeclaration
	if s != "" && s != "[]" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}

// --- Base template ---

func toBaseModel(t *domain.BaseTemplate) BaseTemplateModel {
	return BaseTemplateModel{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Categories:       marshalText(t.Categories, "[]"),
		BusinessAreas:    marshalText(t.BusinessAreas, "[]"),
		Variables:        marshalText(t.Variables, "[]"),
		Body:             t.Body,
		RequiresDocument: t.RequiresDocument,
		MaxDocuments:     t.MaxDocuments,
		MaxDocumentBytes: t.MaxDocumentBytes,
		Status:           string(t.Status),
		Version:          t.Version,
		PublishedAt:      t.PublishedAt,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func toBaseDomain(m *BaseTemplateModel) *domain.BaseTemplate {
	return &domain.BaseTemplate{
		ID:               m.ID,
		Title:            m.Title,
		Description:      m.Description,
		Categories:       unmarshalStrings(m.Categories),
		BusinessAreas:    unmarshalStrings(m.BusinessAreas),
		Variables:        unmarshalVariables(m.Variables),
		Body:             m.Body,
		RequiresDocument: m.RequiresDocument,
		MaxDocuments:     m.MaxDocuments,
		MaxDocumentBytes: m.MaxDocumentBytes,
		Status:           domain.TemplateStatus(m.Status),
		Version:          m.Version,
		PublishedAt:      m.PublishedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// sameContent reports whether publishing m over stored would be a no-op.
func sameContent(stored, m *BaseTemplateModel) bool {
	return stored.Title == m.Title &&
		stored.Description == m.Description &&
		stored.Categories == m.Categories &&
		stored.BusinessAreas == m.BusinessAreas &&
		stored.Variables == m.Variables &&
		stored.Body == m.Body &&
		stored.RequiresDocument == m.RequiresDocument &&
		stored.MaxDocuments == m.MaxDocuments &&
		stored.MaxDocumentBytes == m.MaxDocumentBytes &&
		stored.Status == m.Status
}

// --- Variant ---

// scopeKey identifies the active slot a variant occupies.
func scopeKey(templateID, orgID, userID string) string {
	return templateID + "|" + orgID + "|" + userID
}

func toVariantModel(v *domain.TemplateVariant) TemplateVariantModel {
	m := TemplateVariantModel{
		ID:          v.ID,
		TemplateID:  v.TemplateID,
		OrgID:       v.OrgID,
		UserID:      v.UserID,
		Title:       v.Title,
		Body:        v.Body,
		Version:     v.Version,
		BaseVersion: v.BaseVersion,
		Active:      v.Active,
		UsageCount:  v.UsageCount,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
	if v.Variables != nil {
		s := marshalText(v.Variables, "[]")
		m.Variables = &s
	}
	if v.Active {
		k := scopeKey(v.TemplateID, v.OrgID, v.UserID)
		m.ActiveScopeKey = &k
	}
	return m
}

func toVariantDomain(m *TemplateVariantModel) domain.TemplateVariant {
	v := domain.TemplateVariant{
		ID:          m.ID,
		TemplateID:  m.TemplateID,
		OrgID:       m.OrgID,
		UserID:      m.UserID,
		Title:       m.Title,
		Body:        m.Body,
		Version:     m.Version,
		BaseVersion: m.BaseVersion,
		Active:      m.Active,
		UsageCount:  m.UsageCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Variables != nil {
		v.Variables = unmarshalVariables(*m.Variables)
		if v.Variables == nil {
			v.Variables = []domain.VariableDeclaration{}
		}
	}
	return v
}

// --- Credit account ---

// accountKey is the unique billing key: the organization when present,
// otherwise the user.
func accountKey(orgID, userID string) string {
	if orgID != "" {
		return "org:" + orgID
	}
	return "user:" + userID
}

func toAccountDomain(m *CreditAccountModel) *domain.CreditAccount {
	return &domain.CreditAccount{
		ID:         m.ID,
		OrgID:      m.OrgID,
		UserID:     m.UserID,
		PlanID:     m.PlanID,
		Ceiling:    m.Ceiling,
		Consumed:   m.Consumed,
		CycleStart: m.CycleStart,
		Status:     domain.SubscriptionStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func toCostEntryModel(e ledger.CostEntry) CostEntryModel {
	return CostEntryModel{
		ID:            e.ID,
		AccountID:     e.AccountID,
		ReservationID: e.ReservationID,
		ProcessID:     e.ProcessID,
		Model:         e.Model,
		InputTokens:   e.InputTokens,
		OutputTokens:  e.OutputTokens,
		CostMicros:    e.CostMicros,
		Outcome:       e.Outcome,
		CreatedAt:     e.CreatedAt,
	}
}

// --- Execution record ---

func toExecutionModel(r *domain.ExecutionRecord) ExecutionRecordModel {
	return ExecutionRecordModel{
		ID:              r.ID,
		ProcessID:       r.ProcessID,
		TemplateID:      r.TemplateID,
		VariantID:       r.VariantID,
		Source:          string(r.Source),
		TemplateVersion: r.TemplateVersion,
		OrgID:           r.OrgID,
		UserID:          r.UserID,
		ReservationID:   r.ReservationID,
		Status:          string(r.Status),
		ErrorClass:      string(r.ErrorClass),
		ErrorDetail:     r.ErrorDetail,
		InputTokens:     r.InputTokens,
		OutputTokens:    r.OutputTokens,
		CostMicros:      r.CostMicros,
		DurationMS:      r.Duration.Milliseconds(),
		DocumentIDs:     marshalText(r.DocumentIDs, "[]"),
		Truncated:       r.Truncated,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

func toExecutionDomain(m *ExecutionRecordModel) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:              m.ID,
		ProcessID:       m.ProcessID,
		TemplateID:      m.TemplateID,
		VariantID:       m.VariantID,
		Source:          domain.Source(m.Source),
		TemplateVersion: m.TemplateVersion,
		OrgID:           m.OrgID,
		UserID:          m.UserID,
		ReservationID:   m.ReservationID,
		Status:          domain.ExecutionStatus(m.Status),
		ErrorClass:      domain.ErrorClass(m.ErrorClass),
		ErrorDetail:     m.ErrorDetail,
		InputTokens:     m.InputTokens,
		OutputTokens:    m.OutputTokens,
		CostMicros:      m.CostMicros,
		Duration:        time.Duration(m.DurationMS) * time.Millisecond,
		DocumentIDs:     unmarshalStrings(m.DocumentIDs),
		Truncated:       m.Truncated,
		CreatedAt:       m.CreatedAt,
		CompletedAt:     m.CompletedAt,
	}
}

// --- Document ---

func toDocumentModel(d *domain.Document) DocumentModel {
	return DocumentModel{
		ID:            d.ID,
		OrgID:         d.OrgID,
		UserID:        d.UserID,
		Filename:      d.Filename,
		MimeType:      d.MimeType,
		SizeBytes:     d.SizeBytes,
		ExtractedText: d.ExtractedText,
		CreatedAt:     d.CreatedAt,
	}
}

func toDocumentDomain(m *DocumentModel) domain.Document {
	return domain.Document{
		ID:            m.ID,
		OrgID:         m.OrgID,
		UserID:        m.UserID,
		Filename:      m.Filename,
		MimeType:      m.MimeType,
		SizeBytes:     m.SizeBytes,
		ExtractedText: m.ExtractedText,
		CreatedAt:     m.CreatedAt,
	}
}

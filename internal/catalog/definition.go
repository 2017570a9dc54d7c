// Package catalog parses task templates from Markdown files with YAML
// frontmatter and publishes them into the template store.
package catalog

import (
	"github.com/jkaninda/ki2go/internal/domain"
)

// Definition is a template as written in a Markdown file. The frontmatter
// is checked against the JSON schema generated from this struct.
type Definition struct {
	ID               string         `yaml:"id,omitempty" json:"id,omitempty" jsonschema:"pattern=^[a-z0-9][a-z0-9-]*$"`
	Title            string         `yaml:"title" json:"title" jsonschema:"minLength=1"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Categories       []string       `yaml:"categories,omitempty" json:"categories,omitempty"`
	BusinessAreas    []string       `yaml:"business_areas,omitempty" json:"business_areas,omitempty"`
	Status           string         `yaml:"status,omitempty" json:"status,omitempty" jsonschema:"enum=draft,enum=active,enum=archived"`
	RequiresDocument bool           `yaml:"requires_document,omitempty" json:"requires_document,omitempty"`
	MaxDocuments     int            `yaml:"max_documents,omitempty" json:"max_documents,omitempty" jsonschema:"minimum=0"`
	MaxDocumentBytes int64          `yaml:"max_document_bytes,omitempty" json:"max_document_bytes,omitempty" jsonschema:"minimum=0"`
	Variables        []VariableSpec `yaml:"variables,omitempty" json:"variables,omitempty"`

	Body       string `yaml:"-" json:"-"` // Markdown body after the frontmatter.
	SourceFile string `yaml:"-" json:"-"`
}

// VariableSpec declares one input slot in the frontmatter.
type VariableSpec struct {
	Key       string   `yaml:"key" json:"key" jsonschema:"pattern=^[A-Z][A-Z0-9_]*$"`
	Label     string   `yaml:"label" json:"label"`
	Type      string   `yaml:"type" json:"type" jsonschema:"enum=text,enum=textarea,enum=select,enum=file"`
	Required  bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Options   []string `yaml:"options,omitempty" json:"options,omitempty"`
	MaxBytes  int64    `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty" jsonschema:"minimum=0"`
	MimeTypes []string `yaml:"mime_types,omitempty" json:"mime_types,omitempty"`
}

// Template converts the definition to a base template ready to publish.
func (d *Definition) Template() *domain.BaseTemplate {
	status := domain.TemplateStatus(d.Status)
	if status == "" {
		status = domain.TemplateActive
	}
	vars := make([]domain.VariableDeclaration, len(d.Variables))
	for i, v := range d.Variables {
		vars[i] = domain.VariableDeclaration{
			Key:       v.Key,
			Label:     v.Label,
			Type:      domain.VariableType(v.Type),
			Required:  v.Required,
			Options:   v.Options,
			MaxBytes:  v.MaxBytes,
			MimeTypes: v.MimeTypes,
		}
	}
	return &domain.BaseTemplate{
		ID:               d.ID,
		Title:            d.Title,
		Description:      d.Description,
		Categories:       d.Categories,
		BusinessAreas:    d.BusinessAreas,
		Variables:        vars,
		Body:             d.Body,
		RequiresDocument: d.RequiresDocument,
		MaxDocuments:     d.MaxDocuments,
		MaxDocumentBytes: d.MaxDocumentBytes,
		Status:           status,
	}
}

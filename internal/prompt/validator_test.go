package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jkaninda/ki2go/internal/domain"
)

func TestValidate_ScenarioMissingDocument(t *testing.T) {
	schema := baseTemplate().Variables
	_, errs := Validate(schema, map[string]string{"VERTRAGSTYP": "Mietvertrag"}, nil)

	want := ValidationErrors{{Code: MissingRequired, Key: "DOKUMENT"}}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_AllErrorsInDeclarationOrder(t *testing.T) {
	schema := []domain.VariableDeclaration{
		{Key: "A", Type: domain.VarText, Required: true},
		{Key: "B", Type: domain.VarSelect, Options: []string{"x", "y"}},
		{Key: "C", Type: domain.VarFile, Required: true, MaxBytes: 100},
		{Key: "D", Type: domain.VarFile, MimeTypes: []string{"application/pdf"}},
		{Key: "E", Type: domain.VarTextarea, Required: true},
	}
	docs := map[string]domain.Document{
		"big": {ID: "big", SizeBytes: 500, MimeType: "application/pdf"},
		"img": {ID: "img", SizeBytes: 10, MimeType: "image/png"},
	}
	supplied := map[string]string{"B": "z", "C": "big", "D": "img", "E": "   ", "UNKNOWN": "ignored"}

	_, errs := Validate(schema, supplied, docs)
	var got []string
	for _, e := range errs {
		got = append(got, string(e.Code)+":"+e.Key)
	}
	want := []string{
		"MissingRequired:A",
		"InvalidOption:B",
		"FileConstraintViolation:C",
		"FileConstraintViolation:D",
		"MissingRequired:E",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(errs, domain.ErrValidation) {
		t.Error("errors.Is(errs, ErrValidation) = false")
	}
	msg := errs.UserMessage()
	for _, k := range []string{"A", "B", "C", "D", "E"} {
		if !strings.Contains(msg, "- "+k+":") {
			t.Errorf("UserMessage missing field %s: %q", k, msg)
		}
	}
}

func TestValidate_Bound(t *testing.T) {
	schema := []domain.VariableDeclaration{
		{Key: "NAME", Type: domain.VarText, Required: true},
		{Key: "ART", Type: domain.VarSelect, Options: []string{"kurz", "lang"}},
		{Key: "DOK", Type: domain.VarFile, MimeTypes: []string{"text/*"}, MaxBytes: 1024},
		{Key: "OPTIONAL", Type: domain.VarText},
	}
	docs := map[string]domain.Document{"d1": {ID: "d1", SizeBytes: 20, MimeType: "text/plain; charset=utf-8", ExtractedText: "inhalt"}}

	bound, errs := Validate(schema, map[string]string{"NAME": "Anna", "ART": "kurz", "DOK": "d1", "EXTRA": "x"}, docs)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	wantValues := map[string]string{"NAME": "Anna", "ART": "kurz", "DOK": "d1"}
	if diff := cmp.Diff(wantValues, bound.Values); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
	if bound.Documents["DOK"].ExtractedText != "inhalt" {
		t.Errorf("Documents[DOK] = %+v", bound.Documents["DOK"])
	}
}

func TestMimeAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		got     string
		want    bool
	}{
		{[]string{"application/pdf"}, "application/pdf", true},
		{[]string{"application/pdf"}, "Application/PDF", true},
		{[]string{"text/*"}, "text/markdown", true},
		{[]string{"text/*"}, "texts/plain", false},
		{[]string{"application/pdf"}, "application/pdf; x=y", true},
		{[]string{"image/png", "image/jpeg"}, "image/gif", false},
	}
	for _, tt := range tests {
		if got := mimeAllowed(tt.allowed, tt.got); got != tt.want {
			t.Errorf("mimeAllowed(%v, %q) = %v, want %v", tt.allowed, tt.got, got, tt.want)
		}
	}
}

func TestCheckDocuments(t *testing.T) {
	rt := &domain.ResolvedTemplate{RequiresDocument: true, MaxDocuments: 1, MaxDocumentBytes: 100}

	if errs := CheckDocuments(rt, nil); len(errs) != 1 || errs[0].Code != MissingRequired {
		t.Errorf("no documents: got %v", errs)
	}
	docs := []domain.Document{{ID: "a", SizeBytes: 10}, {ID: "b", Filename: "b.pdf", SizeBytes: 200}}
	errs := CheckDocuments(rt, docs)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	for _, e := range errs {
		if e.Code != DocumentLimitExceeded {
			t.Errorf("Code = %s, want %s", e.Code, DocumentLimitExceeded)
		}
	}
	if errs := CheckDocuments(rt, docs[:1]); len(errs) != 0 {
		t.Errorf("within limits: got %v", errs)
	}
}

func TestCheckConsistency(t *testing.T) {
	schema := []domain.VariableDeclaration{
		{Key: "NAME", Type: domain.VarText},
		{Key: "UNUSED", Type: domain.VarText},
	}
	got := CheckConsistency("Hallo {{NAME}}, {{FEHLT}} {{NAME}}", schema)
	want := []Diagnostic{
		{Kind: UndeclaredPlaceholder, Key: "FEHLT"},
		{Kind: UnusedDeclaration, Key: "UNUSED"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diagnostics mismatch (-want +got):\n%s", diff)
	}

	if d := CheckConsistency(baseTemplate().Body, baseTemplate().Variables); len(d) != 0 {
		t.Errorf("consistent template reported %v", d)
	}
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  []domain.VariableDeclaration
		wantErr string
	}{
		{"valid", baseTemplate().Variables, ""},
		{"lowercase key", []domain.VariableDeclaration{{Key: "name", Type: domain.VarText}}, "UPPER_SNAKE_CASE"},
		{"duplicate", []domain.VariableDeclaration{{Key: "A", Type: domain.VarText}, {Key: "A", Type: domain.VarText}}, "duplicate key"},
		{"unknown type", []domain.VariableDeclaration{{Key: "A", Type: "icon"}}, "unknown type"},
		{"select without options", []domain.VariableDeclaration{{Key: "A", Type: domain.VarSelect}}, "no options"},
		{"file constraints on text", []domain.VariableDeclaration{{Key: "A", Type: domain.VarText, MaxBytes: 10}}, "file constraints"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(tt.schema)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

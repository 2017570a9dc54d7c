package prompt

import (
	"fmt"
	"mime"
	"regexp"
	"slices"
	"strings"

	"github.com/jkaninda/ki2go/internal/domain"
)

// BoundVariables are the validated values of one request. File-typed keys
// map to the referenced document; all other keys map to their text value.
type BoundVariables struct {
	Values    map[string]string
	Documents map[string]domain.Document
}

// Validate checks supplied values against the declared schema. Every
// failure is returned, in declaration order. Supplied keys that are not
// declared are ignored.
func Validate(schema []domain.VariableDeclaration, supplied map[string]string, docs map[string]domain.Document) (BoundVariables, ValidationErrors) {
	bound := BoundVariables{
		Values:    make(map[string]string, len(schema)),
		Documents: make(map[string]domain.Document),
	}
	var errs ValidationErrors

	for _, decl := range schema {
		value := strings.TrimSpace(supplied[decl.Key])
		if value == "" {
			if decl.Required {
				errs = append(errs, ValidationError{Code: MissingRequired, Key: decl.Key})
			}
			continue
		}

		switch decl.Type {
		case domain.VarSelect:
			if !slices.Contains(decl.Options, value) {
				errs = append(errs, ValidationError{Code: InvalidOption, Key: decl.Key, Detail: value})
				continue
			}
			bound.Values[decl.Key] = value
		case domain.VarFile:
			doc, ok := docs[value]
			if !ok {
				errs = append(errs, ValidationError{Code: FileConstraintViolation, Key: decl.Key, Detail: "document not found"})
				continue
			}
			if detail := checkFile(decl, doc); detail != "" {
				errs = append(errs, ValidationError{Code: FileConstraintViolation, Key: decl.Key, Detail: detail})
				continue
			}
			bound.Values[decl.Key] = doc.ID
			bound.Documents[decl.Key] = doc
		default:
			bound.Values[decl.Key] = supplied[decl.Key]
		}
	}
	return bound, errs
}

func checkFile(decl domain.VariableDeclaration, doc domain.Document) string {
	if decl.MaxBytes > 0 && doc.SizeBytes > decl.MaxBytes {
		return fmt.Sprintf("size %d exceeds %d bytes", doc.SizeBytes, decl.MaxBytes)
	}
	if len(decl.MimeTypes) > 0 && !mimeAllowed(decl.MimeTypes, doc.MimeType) {
		return fmt.Sprintf("type %q not allowed", doc.MimeType)
	}
	return ""
}

// mimeAllowed matches exactly or against a "type/*" wildcard. Parameters
// such as charset are ignored.
func mimeAllowed(allowed []string, got string) bool {
	mt, _, err := mime.ParseMediaType(got)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(got))
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == mt {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mt, prefix+"/") {
			return true
		}
	}
	return false
}

// CheckDocuments enforces the template-level document requirements on the
// documents attached to a request.
func CheckDocuments(rt *domain.ResolvedTemplate, docs []domain.Document) ValidationErrors {
	var errs ValidationErrors
	if rt.RequiresDocument && len(docs) == 0 {
		errs = append(errs, ValidationError{Code: MissingRequired, Key: "documents"})
	}
	if rt.MaxDocuments > 0 && len(docs) > rt.MaxDocuments {
		errs = append(errs, ValidationError{
			Code:   DocumentLimitExceeded,
			Key:    "documents",
			Detail: fmt.Sprintf("at most %d documents may be attached", rt.MaxDocuments),
		})
	}
	if rt.MaxDocumentBytes > 0 {
		for _, d := range docs {
			if d.SizeBytes > rt.MaxDocumentBytes {
				errs = append(errs, ValidationError{
					Code:   DocumentLimitExceeded,
					Key:    "documents",
					Detail: fmt.Sprintf("%s exceeds %d bytes", d.Filename, rt.MaxDocumentBytes),
				})
			}
		}
	}
	return errs
}

// DiagnosticKind names a template consistency problem.
type DiagnosticKind string

const (
	UndeclaredPlaceholder DiagnosticKind = "UndeclaredPlaceholder"
	UnusedDeclaration     DiagnosticKind = "UnusedDeclaration"
)

// Diagnostic is an editor-time warning. It never blocks execution.
type Diagnostic struct {
	Kind DiagnosticKind `json:"kind"`
	Key  string         `json:"key"`
}

func (d Diagnostic) String() string { return fmt.Sprintf("%s(%s)", d.Kind, d.Key) }

// CheckConsistency reports placeholders without a declaration and
// declarations never referenced by the body.
func CheckConsistency(body string, schema []domain.VariableDeclaration) []Diagnostic {
	used := Placeholders(body)
	declared := make(map[string]bool, len(schema))
	for _, d := range schema {
		declared[d.Key] = true
	}

	var out []Diagnostic
	seen := make(map[string]bool, len(used))
	for _, k := range used {
		seen[k] = true
		if !declared[k] {
			out = append(out, Diagnostic{Kind: UndeclaredPlaceholder, Key: k})
		}
	}
	for _, d := range schema {
		if !seen[d.Key] {
			out = append(out, Diagnostic{Kind: UnusedDeclaration, Key: d.Key})
		}
	}
	return out
}

var variableKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidateSchema rejects schemas that cannot be published: malformed or
// duplicate keys, types outside the closed table, selects without options.
func ValidateSchema(schema []domain.VariableDeclaration) error {
	var problems []string
	keys := make(map[string]bool, len(schema))
	for i, d := range schema {
		switch {
		case !variableKeyPattern.MatchString(d.Key):
			problems = append(problems, fmt.Sprintf("variables[%d]: key %q must be UPPER_SNAKE_CASE", i, d.Key))
		case keys[d.Key]:
			problems = append(problems, fmt.Sprintf("variables[%d]: duplicate key %q", i, d.Key))
		}
		keys[d.Key] = true

		if !d.Type.Known() {
			problems = append(problems, fmt.Sprintf("variables[%d]: unknown type %q", i, d.Type))
			continue
		}
		if d.Type == domain.VarSelect && len(d.Options) == 0 {
			problems = append(problems, fmt.Sprintf("variables[%d]: select %q declares no options", i, d.Key))
		}
		if d.Type != domain.VarFile && (d.MaxBytes != 0 || len(d.MimeTypes) > 0) {
			problems = append(problems, fmt.Sprintf("variables[%d]: file constraints on non-file %q", i, d.Key))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid variable schema: %s", strings.Join(problems, "; "))
	}
	return nil
}

package catalog

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ki2go/internal/prompt"
)

// LoadResult summarizes a directory load operation.
type LoadResult struct {
	Loaded int
	Errors []LoadError
}

// LoadError records a per-file parse or validation error.
type LoadError struct {
	File    string
	Message string
}

// Loader parses and validates Markdown template definitions.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// LoadDir scans dir for *.md files, parses and validates each.
// Returns valid definitions and a result summary. Returns an error only
// if the directory itself cannot be read.
func (l *Loader) LoadDir(dir string) ([]Definition, *LoadResult, error) {
	correlationID := newCorrelationID()

	l.logger.Info("loading template definitions",
		slog.String("dir", dir),
		slog.String("correlation_id", correlationID),
	)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading template directory %s: %w", dir, err)
	}

	result := &LoadResult{}
	var defs []Definition

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := l.Load(path)
		if err != nil {
			l.logger.Warn("template definition rejected",
				slog.String("file", path),
				slog.String("error", err.Error()),
				slog.String("correlation_id", correlationID),
			)
			result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
			continue
		}

		l.logger.Debug("template definition loaded",
			slog.String("template_id", def.ID),
			slog.String("title", def.Title),
			slog.Int("variables", len(def.Variables)),
			slog.String("correlation_id", correlationID),
		)

		defs = append(defs, *def)
		result.Loaded++
	}

	l.logger.Info("template definitions load complete",
		slog.Int("loaded", result.Loaded),
		slog.Int("errors", len(result.Errors)),
		slog.String("correlation_id", correlationID),
	)

	return defs, result, nil
}

// Load parses and validates a single file.
func (l *Loader) Load(path string) (*Definition, error) {
	def, err := l.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ParseFile reads a Markdown file, checks its YAML frontmatter against the
// template schema and extracts the body.
func (l *Loader) ParseFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Expect first line to be "---".
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, fmt.Errorf("missing YAML frontmatter (file must start with ---)")
	}

	// Read until closing "---".
	var frontmatterLines []string
	foundClose := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundClose = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClose {
		return nil, fmt.Errorf("unclosed YAML frontmatter (missing closing ---)")
	}

	// The remainder is the prompt body.
	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	frontmatter := []byte(strings.Join(frontmatterLines, "\n"))
	var raw any
	if err := yaml.Unmarshal(frontmatter, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML frontmatter: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	problems, err := validateFrontmatter(raw)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("frontmatter does not match template schema: %s", strings.Join(problems, "; "))
	}

	def := &Definition{}
	if err := yaml.Unmarshal(frontmatter, def); err != nil {
		return nil, fmt.Errorf("parsing YAML frontmatter: %w", err)
	}

	def.Body = strings.TrimSpace(strings.Join(bodyLines, "\n"))
	def.SourceFile = path
	if def.ID == "" {
		def.ID = filenameStem(path)
	}

	return def, nil
}

// idPattern matches the id frontmatter constraint; it also applies to ids
// derived from file names.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate applies the rules the JSON schema cannot express: the closed
// variable type table, select options, and a non-empty body. Placeholder
// mismatches are logged, never rejected.
func (l *Loader) Validate(def *Definition) error {
	if !idPattern.MatchString(def.ID) {
		return fmt.Errorf("template id %q must be lowercase letters, digits and dashes", def.ID)
	}
	if def.Body == "" {
		return fmt.Errorf("template body is empty")
	}
	t := def.Template()
	if err := prompt.ValidateSchema(t.Variables); err != nil {
		return err
	}
	for _, d := range prompt.CheckConsistency(t.Body, t.Variables) {
		l.logger.Warn("template consistency warning",
			slog.String("template_id", def.ID),
			slog.String("diagnostic", d.String()),
		)
	}
	return nil
}

// filenameStem returns the filename without extension.
func filenameStem(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func newCorrelationID() string {
	return uuid.New().String()[:8]
}

package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const schemaResource = "template-v1.json"

// GenerateJSONSchema produces the JSON Schema (Draft 2020-12) for template
// frontmatter from the Definition struct.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Definition{})
	s.ID = "https://github.com/jkaninda/ki2go/schemas/template-v1.json"
	s.Title = "KI2GO Task Template v1"
	s.Description = "Frontmatter of a KI2GO task template Markdown file"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var compiledSchema = sync.OnceValues(func() (*sjsonschema.Schema, error) {
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
})

var printer = message.NewPrinter(language.English)

// validateFrontmatter checks decoded YAML against the template schema and
// returns one message per violated constraint.
func validateFrontmatter(raw any) ([]string, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	// YAML decodes numbers as int; round-trip through JSON so the validator
	// sees JSON types.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal frontmatter: %w", err)
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*sjsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}, nil
	}
	var problems []string
	for _, cause := range flattenValidationErrors(ve) {
		path := "/" + strings.Join(cause.InstanceLocation, "/")
		problems = append(problems, fmt.Sprintf("%s: %s", path, cause.ErrorKind.LocalizedString(printer)))
	}
	return problems, nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

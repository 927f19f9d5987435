// Package prompts loads markdown prompt documents with YAML front matter,
// validates their inputs against a JSON schema and renders their bodies.
package prompts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

const frontMatterDelim = "---"

// Document is a parsed prompt file.
type Document struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Model       string `yaml:"model,omitempty"`

	// Inputs is a JSON schema object describing the accepted prompt inputs.
	Inputs map[string]any `yaml:"inputs,omitempty"`

	Body string `yaml:"-"`
	Path string `yaml:"-"`
}

// Loader reads, validates and renders prompt documents.
// It keeps no cache; callers own caching.
type Loader struct {
	resolver  *expressions.Resolver
	validator *validation.JSONSchemaValidator
}

// NewLoader creates a Loader that renders with resolver.
func NewLoader(resolver *expressions.Resolver) (*Loader, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{resolver: resolver, validator: v}, nil
}

// ResolvePath returns the absolute path ref points to. Relative refs resolve
// against basePath.
func ResolvePath(ref, basePath string) (string, error) {
	p := ref
	if !filepath.IsAbs(p) && basePath != "" {
		p = filepath.Join(basePath, p)
	}
	return filepath.Abs(p)
}

// Load reads and parses the prompt file ref.
func (l *Loader) Load(ref, basePath string) (*Document, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt reference is empty")
	}
	path, err := ResolvePath(ref, basePath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "resolve prompt %q: %v", ref, err).WithCause(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "prompt %q not found", path).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read prompt %q: %v", path, err).WithCause(err)
	}
	return Parse(data, path)
}

// Parse splits a document into front matter and body. A document without
// front matter is all body and is named after its file.
func Parse(data []byte, path string) (*Document, error) {
	doc := &Document{Path: path}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	if strings.HasPrefix(text, frontMatterDelim+"\n") {
		rest := text[len(frontMatterDelim)+1:]
		end := strings.Index(rest, "\n"+frontMatterDelim)
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "prompt %q: unterminated front matter", path)
		}
		dec := yaml.NewDecoder(bytes.NewReader([]byte(rest[:end])))
		if err := dec.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "prompt %q: invalid front matter: %v", path, err).WithCause(err)
		}
		text = strings.TrimPrefix(rest[end+1+len(frontMatterDelim):], "\n")
	}

	doc.Body = strings.TrimSpace(text)
	if doc.Name == "" && path != "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

// WithDefaults returns inputs completed with the "default" of every schema
// property the caller did not provide.
func (d *Document) WithDefaults(inputs map[string]any) map[string]any {
	out := expressions.CloneMap(inputs)
	if out == nil {
		out = map[string]any{}
	}
	props, _ := d.Inputs["properties"].(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, present := out[name]; present {
			continue
		}
		if def, ok := prop["default"]; ok {
			out[name] = expressions.CloneValue(def)
		}
	}
	return out
}

// ValidateInputs checks inputs against the document's input schema.
func (l *Loader) ValidateInputs(doc *Document, inputs map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(doc.Inputs) == 0 {
		return result
	}
	err := l.validator.ValidateInputMap(inputs, doc.Inputs)
	if err == nil {
		return result
	}
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError(doc.Name, schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(doc.Name, schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError(doc.Name, schema.ErrCodeValidation, fe.Message)
	return result
}

// Render expands the body's {{ }} placeholders. Prompt inputs are visible as
// top-level names and under "prompt".
func (l *Loader) Render(ctx context.Context, doc *Document, inputs map[string]any, scope *expressions.Scope) (string, error) {
	locals := expressions.CloneMap(inputs)
	if locals == nil {
		locals = map[string]any{}
	}
	locals["prompt"] = expressions.CloneMap(inputs)
	if scope == nil {
		scope = &expressions.Scope{}
	}
	out, err := l.resolver.ResolveString(ctx, doc.Body, scope.WithLocals(locals))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation, "render prompt %q: %v", doc.Name, err).WithCause(err)
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation, "render prompt %q: %v", doc.Name, err).WithCause(err)
	}
	return string(b), nil
}

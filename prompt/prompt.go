// Package prompt renders the text sent with each generation stage.
package prompt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/deepnoodle-ai/craftkit/steps"
)

// Stage identifies the call a prompt is built for.
type Stage string

const (
	StageMaster   Stage = "master"
	StageAnalysis Stage = "analysis"
	StageStep     Stage = "step"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageMaster, StageAnalysis, StageStep}

// Data is the context available to templates as {{.Field}}.
type Data struct {
	Prompt    string
	Category  string
	Group     *steps.Group
	Materials []string
	Region    bool
}

// Builder produces the prompt text for a stage and category.
type Builder interface {
	Build(stage Stage, category string, data Data) (string, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(stage Stage, category string, data Data) (string, error)

func (f BuilderFunc) Build(stage Stage, category string, data Data) (string, error) {
	return f(stage, category, data)
}

const (
	defaultMaster = `Create a single clear reference image of: {{.Prompt}}.
Category: {{.Category}}. Show the whole subject on a plain background.`

	defaultAnalysis = `Analyze this {{.Category}} image{{if .Region}} (a selected region of a larger image){{end}}.
Original request: {{.Prompt}}.
List the materials needed and the ordered steps to make it. Each step has a number, a title, a text and an optional warning.`

	defaultStep = `Illustrate the following {{.Category}} step for "{{.Prompt}}" using the reference image for consistency.
{{with .Group}}{{.Title}}
{{.Text}}{{range .Warnings}}
Warning: {{.}}{{end}}{{end}}`
)

// Template is a Builder backed by text/template, with defaults per stage
// and optional overrides per category.
type Template struct {
	defaults   map[Stage]string
	categories map[string]map[Stage]string
	directives []string
}

// Option is a functional option for configuring a Template
type Option func(*Template)

// New creates a new prompt template with the given options
func New(opts ...Option) *Template {
	t := &Template{
		defaults: map[Stage]string{
			StageMaster:   defaultMaster,
			StageAnalysis: defaultAnalysis,
			StageStep:     defaultStep,
		},
		categories: map[string]map[Stage]string{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithDefault replaces the template used for stage when the category has no
// override
func WithDefault(stage Stage, text string) Option {
	return func(t *Template) {
		t.defaults[stage] = text
	}
}

// WithCategory sets the template used for stage in category
func WithCategory(category string, stage Stage, text string) Option {
	return func(t *Template) {
		category = normalizeCategory(category)
		if t.categories[category] == nil {
			t.categories[category] = map[Stage]string{}
		}
		t.categories[category][stage] = text
	}
}

// WithDirective adds one or more directives appended to every prompt
func WithDirective(directive ...string) Option {
	return func(t *Template) {
		t.directives = append(t.directives, directive...)
	}
}

// Categories returns the categories that carry overrides, sorted.
func (t *Template) Categories() []string {
	names := make([]string, 0, len(t.categories))
	for name := range t.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build renders the prompt for stage in category.
func (t *Template) Build(stage Stage, category string, data Data) (string, error) {
	text, err := t.lookup(stage, category)
	if err != nil {
		return "", err
	}
	if data.Category == "" {
		data.Category = category
	}
	out, err := renderTemplate(string(stage), text, data)
	if err != nil {
		return "", err
	}
	if len(t.directives) > 0 {
		directives, err := renderTemplate("directives", bulletedList(t.directives), data)
		if err != nil {
			return "", err
		}
		out = fmt.Sprintf("%s\n\nDirectives:\n%s", strings.TrimSpace(out), directives)
	}
	return strings.TrimSpace(out), nil
}

// Validate parses every configured template.
func (t *Template) Validate() error {
	for stage, text := range t.defaults {
		if _, err := template.New(string(stage)).Parse(text); err != nil {
			return fmt.Errorf("parsing %s template: %w", stage, err)
		}
	}
	for category, stages := range t.categories {
		for stage, text := range stages {
			if _, err := template.New(string(stage)).Parse(text); err != nil {
				return fmt.Errorf("parsing %s template for category %s: %w", stage, category, err)
			}
		}
	}
	return nil
}

func (t *Template) lookup(stage Stage, category string) (string, error) {
	if text, ok := t.categories[normalizeCategory(category)][stage]; ok {
		return text, nil
	}
	if text, ok := t.defaults[stage]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no template for stage %q", stage)
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// renderTemplate applies template parameters to text
func renderTemplate(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing %s template: %w", name, err)
	}
	return buf.String(), nil
}

// bulletedList joins strings with newlines
func bulletedList(items []string) string {
	var buf bytes.Buffer
	for _, item := range items {
		buf.WriteString("- ")
		buf.WriteString(item)
		buf.WriteString("\n")
	}
	return buf.String()
}

package templates

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/casecontext"
	"github.com/i4g/dossiers/pkg/tools"
	"github.com/i4g/dossiers/pkg/types"
	"github.com/i4g/dossiers/pkg/visuals"
)

//go:embed files/*.md.tmpl
var builtin embed.FS

// DefaultTemplate is used when a request names no template.
const DefaultTemplate = "lea_dossier"

// Request carries everything a template may reference.
type Request struct {
	Destination string
	Template    string
	GeneratedAt time.Time
	Plan        types.Plan
	Analysis    analysis.Analysis
	Context     *casecontext.Result
	Tools       *tools.Results
	Assets      *visuals.Assets
	AssetBase   string
}

// Result describes a rendered markdown document.
type Result struct {
	Template string   `json:"template"`
	Path     string   `json:"path,omitempty"`
	Markdown string   `json:"-"`
	Warnings []string `json:"warnings"`
}

// Registry holds named markdown templates.
type Registry struct {
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return t.UTC().Format("2006-01-02")
	},
	"deref": func(t *time.Time) time.Time {
		if t == nil {
			return time.Time{}
		}
		return *t
	},
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
	"join": func(values types.EntitySet) string { return strings.Join(values, ", ") },
}

// NewRegistry loads the built-in templates.
func NewRegistry() (*Registry, error) {
	r := &Registry{templates: map[string]*template.Template{}}
	entries, err := builtin.ReadDir("files")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		raw, err := builtin.ReadFile("files/" + e.Name())
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(e.Name(), ".md.tmpl")
		if err := r.Register(name, string(raw)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register parses text and stores it under name, replacing any previous template.
func (r *Registry) Register(name, text string) error {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	r.templates[name] = tmpl
	return nil
}

// Names lists the registered templates.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type view struct {
	Plan          types.Plan
	Analysis      analysis.Analysis
	GeneratedAt   string
	Summary       string
	Highlights    []string
	Context       []casecontext.CaseRecord
	ToolErrors    map[string]string
	TimelineChart string
	GeoMapImage   string
}

// Render executes the requested template and writes it to req.Destination.
// Problems are reported as warnings with an empty Markdown, which tells the
// caller to skip exports.
func (r *Registry) Render(ctx context.Context, req Request) (Result, error) {
	name := req.Template
	if name == "" {
		name = DefaultTemplate
	}
	result := Result{Template: name, Warnings: []string{}}

	tmpl, ok := r.templates[name]
	if !ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Template %s not found", name))
		return result, nil
	}

	v := view{
		Plan:        req.Plan,
		Analysis:    req.Analysis,
		GeneratedAt: req.GeneratedAt.UTC().Format(time.RFC3339),
		ToolErrors:  map[string]string{},
	}
	if req.Context != nil {
		v.Context = req.Context.Cases
	}
	if req.Tools != nil {
		v.ToolErrors = req.Tools.Errors
		v.Summary, v.Highlights = narrative(req.Tools)
	}
	if req.Assets != nil {
		rel := req.Assets.Relative(filepath.Dir(req.Destination))
		v.TimelineChart = rel.TimelineChart
		v.GeoMapImage = rel.GeoMapImage
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Template %s failed to render: %v", name, err))
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := os.WriteFile(req.Destination, buf.Bytes(), 0o644); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Markdown write failed: %v", err))
		return result, nil
	}
	result.Path = req.Destination
	result.Markdown = buf.String()
	return result, nil
}

// narrative pulls the summary text out of the narrative_report output, if any.
func narrative(results *tools.Results) (string, []string) {
	raw, ok := results.Outputs[tools.NarrativeReportName]
	if !ok {
		return "", nil
	}
	var out struct {
		Summary    string   `json:"summary"`
		Highlights []string `json:"highlights"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", nil
	}
	return out.Summary, out.Highlights
}

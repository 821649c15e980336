package templates

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/casecontext"
	"github.com/i4g/dossiers/pkg/tools"
	"github.com/i4g/dossiers/pkg/types"
	"github.com/i4g/dossiers/pkg/visuals"
)

func sampleRequest(t *testing.T) Request {
	t.Helper()
	dir := t.TempDir()
	plan := types.SamplePlan("dossier-us-ca-001", "")
	return Request{
		Destination: filepath.Join(dir, plan.PlanID+".md"),
		GeneratedAt: time.Date(2025, 12, 3, 10, 0, 0, 0, time.UTC),
		Plan:        plan,
		Analysis:    analysis.Analyze(plan),
	}
}

func TestNewRegistryLoadsBuiltins(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "lea_dossier" || names[1] != "summary" {
		t.Errorf("Names() = %v", names)
	}
}

func TestRenderDefaultTemplate(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	req := sampleRequest(t)
	req.Context = &casecontext.Result{Cases: []casecontext.CaseRecord{{CaseID: "case-1", Title: "Pig butchering"}}}
	req.Tools = &tools.Results{
		Outputs: map[string]json.RawMessage{
			tools.NarrativeReportName: json.RawMessage(`{"summary":"One large case.","highlights":["Largest reported loss: case case-1"]}`),
		},
		Errors: map[string]string{"geo_reasoner": "timed out after 30s"},
	}
	req.Assets = &visuals.Assets{TimelineChart: filepath.Join(filepath.Dir(req.Destination), "dossier-us-ca-001_timeline.png")}

	result, err := r.Render(context.Background(), req)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("Warnings = %v", result.Warnings)
	}
	if result.Path != req.Destination || result.Template != DefaultTemplate {
		t.Errorf("result = %+v", result)
	}
	for _, want := range []string{
		"# Dossier dossier-us-ca-001",
		"$125000.00 USD",
		"One large case.",
		"| case-1 | 2025-12-01 | US-CA | 125000.00 | yes | wallet:test |",
		"![Loss by case](dossier-us-ca-001_timeline.png)",
		"### case-1: Pig butchering",
		"- geo_reasoner: timed out after 30s",
	} {
		if !strings.Contains(result.Markdown, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
	onDisk, err := os.ReadFile(req.Destination)
	if err != nil || string(onDisk) != result.Markdown {
		t.Errorf("file on disk differs from returned markdown (err=%v)", err)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	req := sampleRequest(t)
	req.Template = "missing"
	result, err := r.Render(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Markdown != "" || len(result.Warnings) != 1 || result.Warnings[0] != "Template missing not found" {
		t.Errorf("result = %+v", result)
	}
	if _, err := os.Stat(req.Destination); !os.IsNotExist(err) {
		t.Error("markdown written for an unknown template")
	}
}

func TestRegisterRejectsBadSyntax(t *testing.T) {
	r := &Registry{templates: map[string]*template.Template{}}
	if err := r.Register("broken", "{{ .Plan.PlanID "); err == nil {
		t.Error("Register() accepted an unterminated action")
	}
}

func TestRenderExecutionFailureIsWarning(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register("bad", "{{ index .Plan.Cases 5 }}"); err != nil {
		t.Fatal(err)
	}
	req := sampleRequest(t)
	req.Template = "bad"
	result, err := r.Render(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Markdown != "" || len(result.Warnings) != 1 || !strings.HasPrefix(result.Warnings[0], "Template bad failed to render") {
		t.Errorf("result = %+v", result)
	}
}

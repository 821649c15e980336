package tools

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/types"
)

var _ Tool = Func{}

func sampleInput() Input {
	plan := types.SamplePlan("dossier-us-ca-001", "")
	return Input{Plan: plan, Analysis: analysis.Analyze(plan)}
}

func TestSuiteRunsBuiltins(t *testing.T) {
	suite := NewSuite(time.Second, nil)
	if got := len(suite.Names()); got != 5 {
		t.Fatalf("Names() = %v, want 5 built-ins", suite.Names())
	}

	results := suite.Run(context.Background(), sampleInput())
	if len(results.Errors) != 0 {
		t.Fatalf("Errors = %v", results.Errors)
	}
	var narrative struct {
		Summary    string   `json:"summary"`
		Highlights []string `json:"highlights"`
	}
	if err := json.Unmarshal(results.Outputs[NarrativeReportName], &narrative); err != nil {
		t.Fatalf("narrative output: %v", err)
	}
	if !strings.Contains(narrative.Summary, "$125000.00") {
		t.Errorf("summary = %q", narrative.Summary)
	}
}

func TestSuiteIsolatesFailures(t *testing.T) {
	var ranAfter bool
	suite := NewSuite(time.Second, nil,
		Func{ToolName: "slow", Fn: func(ctx context.Context, in Input) (string, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return `{}`, nil
		}},
		Func{ToolName: "broken", Fn: func(ctx context.Context, in Input) (string, error) {
			return "", stderrors.New("no data")
		}},
		Func{ToolName: "panicky", Fn: func(ctx context.Context, in Input) (string, error) {
			panic("bad index")
		}},
		Func{ToolName: "garbled", Fn: func(ctx context.Context, in Input) (string, error) {
			return "not json", nil
		}},
		Func{ToolName: "healthy", Fn: func(ctx context.Context, in Input) (string, error) {
			ranAfter = true
			return `{"ok":true}`, nil
		}},
	)
	suite.SetTimeout("slow", 10*time.Millisecond)

	results := suite.Run(context.Background(), sampleInput())

	want := map[string]string{
		"slow":    "timed out after 0.01s",
		"broken":  "no data",
		"panicky": "panic: bad index",
		"garbled": "returned invalid JSON",
	}
	for name, msg := range want {
		if results.Errors[name] != msg {
			t.Errorf("Errors[%s] = %q, want %q", name, results.Errors[name], msg)
		}
	}
	if !ranAfter {
		t.Error("tool after failures did not run")
	}
	if string(results.Outputs["healthy"]) != `{"ok":true}` {
		t.Errorf("healthy output = %s", results.Outputs["healthy"])
	}
	if len(results.Warnings) != 4 {
		t.Errorf("Warnings = %v", results.Warnings)
	}
}

func TestChartRendererWithoutAssets(t *testing.T) {
	out, err := chartRenderer(context.Background(), sampleInput())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No visual assets were rendered") {
		t.Errorf("output = %s", out)
	}
}

func TestRelativeTo(t *testing.T) {
	tests := []struct{ base, path, want string }{
		{"", "/a/b.png", "/a/b.png"},
		{"/a", "/a/b.png", "b.png"},
		{"/a", "/c/b.png", "/c/b.png"},
	}
	for _, tt := range tests {
		if got := relativeTo(tt.base, tt.path); got != tt.want {
			t.Errorf("relativeTo(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

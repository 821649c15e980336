package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/types"
)

// writeDossier signs one artifact under dir and returns the manifest path.
// A missing-path entry is added when warn is set.
func writeDossier(t *testing.T, dir, planID string, warn bool) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(dir, planID+".md")
	if err := os.WriteFile(artifact, []byte("# "+planID+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	entries := []signatures.Entry{{Label: "markdown_report", Path: artifact}}
	if warn {
		entries = append(entries, signatures.Entry{Label: "geojson"})
	}
	m, err := signatures.Generate(entries, signatures.GenerateOptions{RelativeTo: dir})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, planID+".signatures.json")
	if err := signatures.Write(path, m); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyHashesExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, root string)
		failOnWarn bool
		want       int
		wantOut    string
	}{
		{
			name:    "empty root",
			setup:   func(*testing.T, string) {},
			want:    exitNoManifests,
			wantOut: "No signature manifests found under",
		},
		{
			name: "all verified",
			setup: func(t *testing.T, root string) {
				writeDossier(t, root, "p1", false)
				writeDossier(t, filepath.Join(root, "nested"), "p2", false)
			},
			want:    0,
			wantOut: "missing=0 mismatch=0 warnings=0",
		},
		{
			name: "tampered artifact",
			setup: func(t *testing.T, root string) {
				writeDossier(t, root, "p1", false)
				if err := os.WriteFile(filepath.Join(root, "p1.md"), []byte("edited"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want:    exitUnverified,
			wantOut: "FAIL",
		},
		{
			name:    "warnings tolerated",
			setup:   func(t *testing.T, root string) { writeDossier(t, root, "p1", true) },
			want:    0,
			wantOut: "warnings=1",
		},
		{
			name:       "warnings fatal",
			setup:      func(t *testing.T, root string) { writeDossier(t, root, "p1", true) },
			failOnWarn: true,
			want:       exitWarnings,
		},
		{
			name: "unreadable manifest",
			setup: func(t *testing.T, root string) {
				if err := os.WriteFile(filepath.Join(root, "bad.signatures.json"), []byte("{"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want:    exitUnverified,
			wantOut: "error=",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(t, root)
			var out bytes.Buffer
			if got := verifyHashes([]string{root}, tt.failOnWarn, &out); got != tt.want {
				t.Errorf("exit = %d, want %d\n%s", got, tt.want, out.String())
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output missing %q:\n%s", tt.wantOut, out.String())
			}
		})
	}
}

func TestVerifyHashesLineFormat(t *testing.T) {
	root := t.TempDir()
	path := writeDossier(t, root, "p1", false)
	var out bytes.Buffer
	if code := verifyHashes([]string{path}, false, &out); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	want := "OK " + path + " missing=0 mismatch=0 warnings=0\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestFindManifests(t *testing.T) {
	root := t.TempDir()
	b := writeDossier(t, filepath.Join(root, "b"), "p2", false)
	a := writeDossier(t, filepath.Join(root, "a"), "p1", false)
	if err := os.WriteFile(filepath.Join(root, "notes.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := findManifests([]string{root, filepath.Join(root, "absent")})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("findManifests() = %v, want [%s %s]", got, a, b)
	}
	if got, _ := findManifests([]string{filepath.Join(root, "notes.json")}); len(got) != 0 {
		t.Errorf("non-manifest file matched: %v", got)
	}
}

func TestPrintSummary(t *testing.T) {
	var empty bytes.Buffer
	printSummary(&empty, types.Summary{}, 5)
	if empty.String() != "No pending dossier plans found in the queue.\n" {
		t.Errorf("empty summary = %q", empty.String())
	}

	summary := types.Summary{
		Processed: 3, Completed: 2, Failed: 1,
		Plans: []types.PlanOutcome{
			{PlanID: "p1", Status: "completed", Artifacts: []string{"p1.json"}},
			{PlanID: "p2", Status: "failed", Error: "disk full"},
			{PlanID: "p3", Status: "completed"},
		},
	}
	var out bytes.Buffer
	printSummary(&out, summary, 2)
	got := out.String()
	for _, want := range []string{
		"Processed 3 plan(s): completed=2 failed=1 dry_run=no",
		"  - p1 [completed]",
		"      error: disk full",
		"  ...and 1 more plan(s).",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "p3") {
		t.Errorf("preview exceeded:\n%s", got)
	}
}

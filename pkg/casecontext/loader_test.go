package casecontext

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/i4g/dossiers/pkg/types"
)

type fakeSource struct {
	FetchFunc func(ctx context.Context, ids []string) (map[string]CaseRecord, error)
}

func (f *fakeSource) FetchCases(ctx context.Context, ids []string) (map[string]CaseRecord, error) {
	return f.FetchFunc(ctx, ids)
}

func twoCasePlan() types.Plan {
	plan := types.SamplePlan("p-1", "")
	extra := plan.Cases[0]
	extra.CaseID = "case-2"
	plan.Cases = append(plan.Cases, extra)
	return plan
}

func TestLoadWithoutSource(t *testing.T) {
	result, err := NewLoader(nil, nil).Load(context.Background(), twoCasePlan())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(result.Cases) != 0 || len(result.Warnings) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestLoadReportsMissingCases(t *testing.T) {
	src := &fakeSource{FetchFunc: func(ctx context.Context, ids []string) (map[string]CaseRecord, error) {
		return map[string]CaseRecord{"case-2": {Title: "Romance scam"}}, nil
	}}
	result, err := NewLoader(src, nil).Load(context.Background(), twoCasePlan())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(result.Missing) != 1 || result.Missing[0] != "case-1" {
		t.Errorf("Missing = %v", result.Missing)
	}
	if len(result.Cases) != 1 || result.Cases[0].CaseID != "case-2" {
		t.Errorf("Cases = %+v", result.Cases)
	}
	// one missing case plus one case without review
	if len(result.Warnings) != 2 {
		t.Errorf("Warnings = %v", result.Warnings)
	}
}

func TestLoadSourceFailure(t *testing.T) {
	boom := stderrors.New("firestore down")
	src := &fakeSource{FetchFunc: func(ctx context.Context, ids []string) (map[string]CaseRecord, error) {
		return nil, boom
	}}
	if _, err := NewLoader(src, nil).Load(context.Background(), twoCasePlan()); !stderrors.Is(err, boom) {
		t.Errorf("Load() error = %v, want source error", err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	record := `{"title":"Investment fraud","review":{"reviewer":"analyst","decision":"accepted"}}`
	if err := os.WriteFile(filepath.Join(dir, "case-1.json"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &DirSource{Dir: dir}
	records, err := src.FetchCases(context.Background(), []string{"case-1", "case-9", "../escape"})
	if err != nil {
		t.Fatalf("FetchCases() error = %v", err)
	}
	if len(records) != 1 || records["case-1"].Review == nil {
		t.Errorf("records = %+v", records)
	}

	result, err := NewLoader(src, nil).Load(context.Background(), types.SamplePlan("p", ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Warnings) != 0 || result.Cases[0].CaseID != "case-1" {
		t.Errorf("result = %+v", result)
	}
}

func TestDirSourceMissingDir(t *testing.T) {
	src := &DirSource{Dir: filepath.Join(t.TempDir(), "absent")}
	if _, err := src.FetchCases(context.Background(), []string{"case-1"}); err == nil {
		t.Error("FetchCases() on a missing directory returned nil error")
	}
}

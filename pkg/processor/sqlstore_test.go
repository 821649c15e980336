package processor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/dossier"
	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/queue/sqlstore"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/types"
)

func openSQLStore(t *testing.T, ids ...string) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(filepath.Join(t.TempDir(), "queue.db"), queue.Options{}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	for _, id := range ids {
		if err := s.EnqueuePlan(context.Background(), types.SamplePlan(id, "")); err != nil {
			t.Fatalf("EnqueuePlan(%s) error = %v", id, err)
		}
	}
	return s
}

func statuses(t *testing.T, s queue.Store) map[string]types.QueueStatus {
	t.Helper()
	entries, err := s.ListPlans(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	out := make(map[string]types.QueueStatus, len(entries))
	for _, e := range entries {
		out[e.PlanID] = e.Status
	}
	return out
}

// An operator requeue while p-1 is generating must not strand p-2 and p-3.
func TestProcessBatchSurvivesRequeueInFlight(t *testing.T) {
	store := openSQLStore(t, "p-1", "p-2", "p-3")
	gen := &fakeGenerator{GenerateFunc: func(ctx context.Context, plan types.Plan) (types.GenerationResult, error) {
		if plan.PlanID == "p-1" {
			if err := store.Requeue(ctx, "p-1"); err != nil {
				t.Errorf("Requeue(p-1) error = %v", err)
			}
		}
		return okGenerator().Generate(ctx, plan)
	}}

	summary, err := New(store, gen, nil).ProcessBatch(context.Background(), Options{BatchSize: 3})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if summary.Processed != 3 || summary.Completed != 2 || summary.Failed != 1 || len(summary.Plans) != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	first := summary.Plans[0]
	if first.PlanID != "p-1" || first.Status != OutcomeFailed || !strings.Contains(first.Error, dserr.CodeNotLeased) {
		t.Errorf("p-1 outcome = %+v", first)
	}

	want := map[string]types.QueueStatus{
		"p-1": types.QueueStatusQueued,
		"p-2": types.QueueStatusCompleted,
		"p-3": types.QueueStatusCompleted,
	}
	got := statuses(t, store)
	for id, st := range want {
		if got[id] != st {
			t.Errorf("%s status = %s, want %s", id, got[id], st)
		}
	}
}

func TestProcessBatchGeneratesSampleDossier(t *testing.T) {
	const planID = "dossier-us-ca-001"
	root := t.TempDir()
	store := openSQLStore(t, planID)

	cfg := config.Default()
	cfg.ArtifactRoot = root
	producers, err := dossier.DefaultProducers(cfg, nil, nil)
	if err != nil {
		t.Fatalf("DefaultProducers() error = %v", err)
	}
	gen, err := dossier.NewGenerator(dossier.Config{ArtifactRoot: root}, producers, nil, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}

	summary, err := New(store, gen, nil).ProcessBatch(context.Background(), Options{BatchSize: 1})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if summary.Processed != 1 || summary.Completed != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	done, err := store.ListPlans(context.Background(), types.QueueStatusCompleted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].PlanID != planID {
		t.Fatalf("completed entries = %+v", done)
	}
	if len(done[0].Payload.Cases) != 1 || done[0].Payload.TotalLossUSD.String() != "125000" {
		t.Errorf("payload = %+v", done[0].Payload)
	}

	sigPath := dossier.SignaturePath(root, planID)
	sm, err := signatures.Load(sigPath)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", sigPath, err)
	}
	if _, ok := sm.Artifact(dossier.LabelManifest); !ok {
		t.Errorf("manifest not signed: %+v", sm.Artifacts)
	}
	report, err := signatures.VerifyFile(sigPath)
	if err != nil {
		t.Fatal(err)
	}
	if !report.AllVerified || report.MissingCount != 0 || report.MismatchCount != 0 {
		t.Errorf("report = %+v", report)
	}
}

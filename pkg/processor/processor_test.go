package processor

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/status"
	"github.com/i4g/dossiers/pkg/types"
)

// memStore is an in-memory queue that records terminal transitions.
type memStore struct {
	queue.Store

	mu        sync.Mutex
	pending   []types.Plan
	leaseArgs []int
	completed map[string][]string
	failed    map[string]string
	leaseErr  error
	// markErr refuses the mark call for a plan id.
	markErr map[string]error
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{completed: map[string][]string{}, failed: map[string]string{}, markErr: map[string]error{}}
	for _, id := range ids {
		s.pending = append(s.pending, types.SamplePlan(id, ""))
	}
	return s
}

func (s *memStore) LeaseBatch(_ context.Context, n int) ([]queue.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseArgs = append(s.leaseArgs, n)
	if s.leaseErr != nil {
		return nil, s.leaseErr
	}
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := make([]queue.Lease, 0, n)
	for _, p := range s.pending[:n] {
		out = append(out, queue.Lease{Plan: p, LeaseID: "lease-" + p.PlanID})
	}
	s.pending = s.pending[n:]
	return out, nil
}

func (s *memStore) Peek(_ context.Context, n int) ([]types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.QueueEntry{}
	for i, p := range s.pending {
		if i == n {
			break
		}
		out = append(out, types.QueueEntry{PlanID: p.PlanID, Status: types.QueueStatusQueued, Payload: p})
	}
	return out, nil
}

func (s *memStore) MarkComplete(_ context.Context, planID, leaseID string, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(planID, leaseID); err != nil {
		return err
	}
	s.completed[planID] = warnings
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, planID, leaseID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(planID, leaseID); err != nil {
		return err
	}
	s.failed[planID] = reason
	return nil
}

func (s *memStore) check(planID, leaseID string) error {
	if leaseID != "lease-"+planID {
		return dserr.Newf(dserr.CodeLeaseLost, "plan %s marked under %q", planID, leaseID)
	}
	return s.markErr[planID]
}

type fakeGenerator struct {
	GenerateFunc func(ctx context.Context, plan types.Plan) (types.GenerationResult, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, plan types.Plan) (types.GenerationResult, error) {
	return f.GenerateFunc(ctx, plan)
}

var _ Generator = (*fakeGenerator)(nil)

type recorder struct {
	mu      sync.Mutex
	updates []status.Update
}

func (r *recorder) Update(_ context.Context, u status.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func okGenerator() *fakeGenerator {
	return &fakeGenerator{GenerateFunc: func(_ context.Context, plan types.Plan) (types.GenerationResult, error) {
		return types.GenerationResult{
			PlanID:    plan.PlanID,
			Artifacts: []string{"/tmp/" + plan.PlanID + ".json"},
			Warnings:  []string{"No case source configured; context is empty"},
		}, nil
	}}
}

func TestProcessBatchLeasesAtMostBatchSize(t *testing.T) {
	store := newMemStore("p1", "p2", "p3")
	p := New(store, okGenerator(), nil)

	summary, err := p.ProcessBatch(context.Background(), Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if len(store.leaseArgs) != 1 || store.leaseArgs[0] != 2 {
		t.Errorf("LeaseBatch calls = %v, want [2]", store.leaseArgs)
	}
	if summary.Processed != 2 || summary.Completed != 2 || summary.Failed != 0 || summary.DryRun {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Plans[0].PlanID != "p1" || summary.Plans[1].PlanID != "p2" {
		t.Errorf("plans out of lease order: %+v", summary.Plans)
	}
	if w := store.completed["p1"]; len(w) != 1 {
		t.Errorf("MarkComplete warnings = %v", w)
	}
	if len(store.pending) != 1 {
		t.Errorf("pending = %d, want 1 left for the next batch", len(store.pending))
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	store := newMemStore("good", "bad", "panics", "after")
	gen := &fakeGenerator{GenerateFunc: func(ctx context.Context, plan types.Plan) (types.GenerationResult, error) {
		switch plan.PlanID {
		case "bad":
			return types.GenerationResult{}, dserr.New(dserr.CodeManifestWrite, "disk full")
		case "panics":
			panic("nil map")
		}
		return okGenerator().Generate(ctx, plan)
	}}
	rec := &recorder{}

	summary, err := New(store, gen, nil).ProcessBatch(context.Background(), Options{BatchSize: 10, Reporter: rec})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if summary.Processed != 4 || summary.Completed != 2 || summary.Failed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, ok := store.completed["after"]; !ok {
		t.Error("plan after a failure was not processed")
	}
	if reason := store.failed["panics"]; reason != "[DOS-5004] panic: nil map" {
		t.Errorf("panic reason = %q", reason)
	}
	if store.failed["bad"] == "" {
		t.Error("failed plan not marked failed")
	}
	for _, outcome := range summary.Plans {
		if outcome.Status == OutcomeFailed && outcome.Error == "" {
			t.Errorf("%s failed without an error", outcome.PlanID)
		}
		if outcome.Artifacts == nil || outcome.Warnings == nil {
			t.Errorf("%s has nil lists", outcome.PlanID)
		}
	}

	if n := len(rec.updates); n != 6 {
		t.Fatalf("reporter got %d updates, want 6", n)
	}
	if rec.updates[0].Status != "started" || rec.updates[5].Status != "completed" {
		t.Errorf("first/last update = %s/%s", rec.updates[0].Status, rec.updates[5].Status)
	}
}

func TestProcessBatchContinuesWhenMarkRefused(t *testing.T) {
	store := newMemStore("p1", "p2", "p3")
	store.markErr["p1"] = dserr.New(dserr.CodeNotLeased, "plan p1 is queued, not leased")
	store.markErr["p2"] = dserr.New(dserr.CodeLeaseLost, "plan p2 lease was reclaimed")
	rec := &recorder{}

	summary, err := New(store, okGenerator(), nil).ProcessBatch(context.Background(), Options{BatchSize: 3, Reporter: rec})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if summary.Processed != 3 || summary.Completed != 1 || summary.Failed != 2 || len(summary.Plans) != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	tests := []struct {
		planID string
		status string
		code   string
	}{
		{"p1", OutcomeFailed, dserr.CodeNotLeased},
		{"p2", OutcomeFailed, dserr.CodeLeaseLost},
		{"p3", OutcomeCompleted, ""},
	}
	for i, tt := range tests {
		got := summary.Plans[i]
		if got.PlanID != tt.planID || got.Status != tt.status {
			t.Errorf("Plans[%d] = %s/%s, want %s/%s", i, got.PlanID, got.Status, tt.planID, tt.status)
		}
		if tt.code != "" && !strings.Contains(got.Error, tt.code) {
			t.Errorf("%s error = %q, want it to name %s", tt.planID, got.Error, tt.code)
		}
	}
	if _, ok := store.completed["p3"]; !ok {
		t.Error("plan after a refused mark was not completed")
	}
	if last := rec.updates[len(rec.updates)-1]; last.Status != "completed" {
		t.Errorf("last update = %s, want completed", last.Status)
	}
}

func TestProcessBatchStopsWhenStoreGoesAway(t *testing.T) {
	store := newMemStore("p1", "p2", "p3")
	store.markErr["p2"] = dserr.New(dserr.CodeServiceUnavailable, "sqlite gone")

	summary, err := New(store, okGenerator(), nil).ProcessBatch(context.Background(), Options{BatchSize: 3})
	if !stderrors.Is(err, dserr.ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
	if summary.Processed != 2 || len(summary.Plans) != 2 || summary.Completed != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := summary.Plans[1]; got.PlanID != "p2" || got.Status != OutcomeFailed || got.Error == "" {
		t.Errorf("row for the plan whose mark failed = %+v", got)
	}
}

func TestProcessBatchDryRunLeavesQueueAlone(t *testing.T) {
	store := newMemStore("p1", "p2", "p3")
	called := false
	gen := &fakeGenerator{GenerateFunc: func(context.Context, types.Plan) (types.GenerationResult, error) {
		called = true
		return types.GenerationResult{}, nil
	}}

	summary, err := New(store, gen, nil).ProcessBatch(context.Background(), Options{BatchSize: 2, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if called || len(store.leaseArgs) != 0 {
		t.Error("dry run generated or leased")
	}
	if !summary.DryRun || summary.Processed != 2 || summary.Plans[0].Status != OutcomeDryRun {
		t.Errorf("summary = %+v", summary)
	}
	if len(store.pending) != 3 {
		t.Errorf("pending = %d, want 3", len(store.pending))
	}
}

func TestProcessBatchEmptyQueue(t *testing.T) {
	summary, err := New(newMemStore(), okGenerator(), nil).ProcessBatch(context.Background(), Options{BatchSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 0 || len(summary.Plans) != 0 || summary.Plans == nil {
		t.Errorf("summary = %+v", summary)
	}
}

func TestProcessBatchStoreFailure(t *testing.T) {
	store := newMemStore("p1")
	store.leaseErr = dserr.New(dserr.CodeServiceUnavailable, "sqlite gone")
	_, err := New(store, okGenerator(), nil).ProcessBatch(context.Background(), Options{BatchSize: 1})
	if !stderrors.Is(err, dserr.ErrStoreUnavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable", err)
	}
}

func TestProcessBatchWithoutGenerator(t *testing.T) {
	_, err := New(newMemStore("p1"), nil, nil).ProcessBatch(context.Background(), Options{BatchSize: 1})
	if dserr.CodeOf(err) != dserr.CodeMissingRequired {
		t.Errorf("error = %v", err)
	}
}

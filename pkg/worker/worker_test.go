package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/i4g/dossiers/pkg/processor"
	"github.com/i4g/dossiers/pkg/types"
)

type fakeProcessor struct {
	mu               sync.Mutex
	calls            []processor.Options
	ProcessBatchFunc func(ctx context.Context, opts processor.Options) (types.Summary, error)
}

func (f *fakeProcessor) ProcessBatch(ctx context.Context, opts processor.Options) (types.Summary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.ProcessBatchFunc != nil {
		return f.ProcessBatchFunc(ctx, opts)
	}
	return types.Summary{Processed: 1, Completed: 1, DryRun: opts.DryRun, Plans: []types.PlanOutcome{}}, nil
}

func (f *fakeProcessor) snapshot() []processor.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processor.Options(nil), f.calls...)
}

type fakeReclaimer struct {
	ReclaimExpiredFunc func(ctx context.Context, now time.Time) ([]string, error)
}

func (f *fakeReclaimer) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	return f.ReclaimExpiredFunc(ctx, now)
}

var (
	_ BatchProcessor = (*fakeProcessor)(nil)
	_ Reclaimer      = (*fakeReclaimer)(nil)
)

func TestTickReclaimsOnlyWithTTL(t *testing.T) {
	now := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	var reclaimedAt []time.Time
	rec := &fakeReclaimer{ReclaimExpiredFunc: func(_ context.Context, at time.Time) ([]string, error) {
		reclaimedAt = append(reclaimedAt, at)
		return []string{"p1"}, nil
	}}

	proc := &fakeProcessor{}
	w := New(proc, rec, Options{BatchSize: 3, LeaseTTL: time.Minute, Now: func() time.Time { return now }}, nil)
	if _, err := w.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reclaimedAt) != 1 || !reclaimedAt[0].Equal(now) {
		t.Errorf("reclaim calls = %v", reclaimedAt)
	}
	if len(proc.calls) != 1 || proc.calls[0].BatchSize != 3 || proc.calls[0].Reporter == nil {
		t.Errorf("process calls = %+v", proc.calls)
	}

	noTTL := New(&fakeProcessor{}, rec, Options{BatchSize: 3}, nil)
	if _, err := noTTL.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reclaimedAt) != 1 {
		t.Error("reclaimed without a lease TTL")
	}
}

func TestTickSurvivesReclaimFailure(t *testing.T) {
	rec := &fakeReclaimer{ReclaimExpiredFunc: func(context.Context, time.Time) ([]string, error) {
		return nil, fmt.Errorf("store down")
	}}
	proc := &fakeProcessor{}
	if _, err := New(proc, rec, Options{BatchSize: 1, LeaseTTL: time.Minute}, nil).Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(proc.calls) != 1 {
		t.Error("batch skipped after reclaim failure")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	proc := &fakeProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	proc.ProcessBatchFunc = func(context.Context, processor.Options) (types.Summary, error) {
		cancel()
		return types.Summary{Plans: []types.PlanOutcome{}}, nil
	}
	done := make(chan error, 1)
	go func() { done <- New(proc, nil, Options{BatchSize: 1, PollInterval: time.Hour}, nil).Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestHTTPHandler(t *testing.T) {
	proc := &fakeProcessor{}
	srv := httptest.NewServer(New(proc, nil, Options{BatchSize: 4}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	tests := []struct {
		name   string
		body   string
		status int
		batch  int
		dryRun bool
	}{
		{"default batch", "", http.StatusOK, 4, false},
		{"explicit", `{"batch_size":2,"dry_run":true}`, http.StatusOK, 2, true},
		{"bad json", `{`, http.StatusBadRequest, 0, false},
		{"too large", `{"batch_size":1000}`, http.StatusBadRequest, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(proc.snapshot())
			resp, err := http.Post(srv.URL+"/task", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusOK {
				if len(proc.snapshot()) != before {
					t.Error("rejected task still processed")
				}
				return
			}
			var summary types.Summary
			if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
				t.Fatal(err)
			}
			calls := proc.snapshot()
			last := calls[len(calls)-1]
			if last.BatchSize != tt.batch || last.DryRun != tt.dryRun || summary.DryRun != tt.dryRun {
				t.Errorf("options = %+v, summary = %+v", last, summary)
			}
		})
	}

	resp, err = http.Get(srv.URL + "/task")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /task = %d", resp.StatusCode)
	}
}

func TestHTTPTaskFailure(t *testing.T) {
	proc := &fakeProcessor{ProcessBatchFunc: func(context.Context, processor.Options) (types.Summary, error) {
		return types.Summary{}, fmt.Errorf("queue unavailable")
	}}
	rr := httptest.NewRecorder()
	New(proc, nil, Options{BatchSize: 1}, nil).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/task", nil))
	if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), "queue unavailable") {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
}

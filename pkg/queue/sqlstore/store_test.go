package sqlstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/queue/queuetest"
	"github.com/i4g/dossiers/pkg/types"
)

// stepClock advances one second per reading so queued_at ordering is
// deterministic.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

var epoch = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	clock := &stepClock{now: epoch}
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), queue.Options{LeaseTTL: ttl, Now: clock.Now}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.EnqueuePlan(context.Background(), types.SamplePlan(id, "")); err != nil {
			t.Fatalf("EnqueuePlan(%s) error = %v", id, err)
		}
	}
}

// lease leases n plans and maps plan id to lease id.
func lease(t *testing.T, s *Store, n int) map[string]string {
	t.Helper()
	leases, err := s.LeaseBatch(context.Background(), n)
	if err != nil {
		t.Fatalf("LeaseBatch(%d) error = %v", n, err)
	}
	out := make(map[string]string, len(leases))
	for _, l := range leases {
		out[l.Plan.PlanID] = l.LeaseID
	}
	return out
}

func TestEnqueueRejectsDuplicatesAndBadIDs(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	enqueue(t, s, "plan-a")

	if err := s.EnqueuePlan(ctx, types.SamplePlan("plan-a", "")); !stderrors.Is(err, dserr.ErrDuplicatePlan) {
		t.Errorf("duplicate enqueue error = %v, want ErrDuplicatePlan", err)
	}
	for _, id := range []string{"", "../escape", `a\b`} {
		if err := s.EnqueuePlan(ctx, types.SamplePlan(id, "")); dserr.CodeOf(err) != dserr.CodeInvalidInput {
			t.Errorf("EnqueuePlan(%q) code = %s, want %s", id, dserr.CodeOf(err), dserr.CodeInvalidInput)
		}
	}
}

func TestLeaseBatchOrderAndLimit(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	enqueue(t, s, "plan-c", "plan-a", "plan-b")

	first, err := s.LeaseBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := queue.PlanIDs(first); len(got) != 2 || got[0] != "plan-c" || got[1] != "plan-a" {
		t.Fatalf("first lease = %v, want [plan-c plan-a]", got)
	}
	if first[0].Plan.TotalLossUSD.String() != "125000" || len(first[0].Plan.Cases) != 1 {
		t.Errorf("payload not restored: %+v", first[0].Plan)
	}
	if first[0].LeaseID == "" || first[0].LeaseID != first[1].LeaseID {
		t.Errorf("lease ids = %q, %q; want one id for the batch", first[0].LeaseID, first[1].LeaseID)
	}

	second, err := s.LeaseBatch(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got := queue.PlanIDs(second); len(got) != 1 || got[0] != "plan-b" {
		t.Fatalf("second lease = %v, want [plan-b]", got)
	}

	empty, err := s.LeaseBatch(ctx, 5)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty lease = %v, %v", empty, err)
	}
	none, err := s.LeaseBatch(ctx, 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("LeaseBatch(0) = %v, %v", none, err)
	}
}

func TestConcurrentLeasesNeverOverlap(t *testing.T) {
	s := newStore(t, 0)
	const total = 24
	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("plan-%02d", i)
	}
	enqueue(t, s, ids...)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 4)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leases, err := s.LeaseBatch(context.Background(), 3)
				if err != nil {
					errs <- err
					return
				}
				if len(leases) == 0 {
					return
				}
				mu.Lock()
				for _, l := range leases {
					seen[l.Plan.PlanID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("LeaseBatch() error = %v", err)
	}

	if len(seen) != total {
		t.Errorf("leased %d distinct plans, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("plan %s leased %d times", id, n)
		}
	}
}

func TestMarkTransitions(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	enqueue(t, s, "plan-ok", "plan-bad", "plan-idle")
	held := lease(t, s, 2)
	id := held["plan-ok"]

	if err := s.MarkComplete(ctx, "plan-ok", id, []string{"chart skipped"}); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	if err := s.MarkFailed(ctx, "plan-bad", held["plan-bad"], "template exploded"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	tests := []struct {
		name string
		call func() error
		code string
	}{
		{"complete twice", func() error { return s.MarkComplete(ctx, "plan-ok", id, nil) }, dserr.CodeNotLeased},
		{"complete queued", func() error { return s.MarkComplete(ctx, "plan-idle", id, nil) }, dserr.CodeNotLeased},
		{"fail completed", func() error { return s.MarkFailed(ctx, "plan-ok", id, "x") }, dserr.CodeNotLeased},
		{"unknown plan", func() error { return s.MarkComplete(ctx, "ghost", id, nil) }, dserr.CodeResourceNotFound},
		{"no lease id", func() error { return s.MarkFailed(ctx, "plan-idle", "", "x") }, dserr.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := dserr.CodeOf(tt.call()); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}

	done, err := s.ListPlans(ctx, types.QueueStatusCompleted, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].PlanID != "plan-ok" || len(done[0].Warnings) != 1 || done[0].Warnings[0] != "chart skipped" {
		t.Errorf("completed entries = %+v", done)
	}
	failed, err := s.ListPlans(ctx, types.QueueStatusFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Error != "template exploded" {
		t.Errorf("failed entries = %+v", failed)
	}
}

func TestListPlansAndPeek(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	enqueue(t, s, "plan-1", "plan-2", "plan-3")

	all, err := s.ListPlans(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].PlanID != "plan-3" {
		t.Errorf("ListPlans newest first = %v", all)
	}
	if _, err := s.ListPlans(ctx, "archived", 10); dserr.CodeOf(err) != dserr.CodeInvalidInput {
		t.Errorf("unknown status error = %v", err)
	}

	peeked, err := s.Peek(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(peeked) != 2 || peeked[0].PlanID != "plan-1" || peeked[1].PlanID != "plan-2" {
		t.Errorf("Peek() = %+v", peeked)
	}
	queued, err := s.ListPlans(ctx, types.QueueStatusQueued, 10)
	if err != nil || len(queued) != 3 {
		t.Errorf("Peek must not lease: queued = %d, err = %v", len(queued), err)
	}
}

func TestReclaimExpired(t *testing.T) {
	s := newStore(t, time.Minute)
	ctx := context.Background()
	enqueue(t, s, "plan-slow")
	stale := lease(t, s, 1)["plan-slow"]
	if stale == "" {
		t.Fatal("plan-slow was not leased")
	}

	ids, err := s.ReclaimExpired(ctx, epoch.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed live lease: %v", ids)
	}

	ids, err = s.ReclaimExpired(ctx, epoch.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "plan-slow" {
		t.Fatalf("ReclaimExpired() = %v, want [plan-slow]", ids)
	}

	current := lease(t, s, 1)["plan-slow"]
	if current == "" {
		t.Fatal("reclaimed plan not leasable")
	}
	if err := s.MarkComplete(ctx, "plan-slow", stale, nil); !stderrors.Is(err, dserr.ErrLeaseLost) {
		t.Errorf("MarkComplete(stale lease) error = %v, want %s", err, dserr.CodeLeaseLost)
	}
	if err := s.MarkComplete(ctx, "plan-slow", current, nil); err != nil {
		t.Errorf("MarkComplete(current lease) error = %v", err)
	}
}

func TestReclaimWithoutTTLKeepsLeases(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	enqueue(t, s, "plan-x")
	if _, err := s.LeaseBatch(ctx, 1); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ReclaimExpired(ctx, epoch.Add(24*time.Hour))
	if err != nil || len(ids) != 0 {
		t.Errorf("ReclaimExpired() = %v, %v; want none", ids, err)
	}
}

func TestRequeue(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	enqueue(t, s, "plan-a", "plan-b", "plan-c")
	held := lease(t, s, 2)
	if err := s.MarkFailed(ctx, "plan-a", held["plan-a"], "boom"); err != nil {
		t.Fatal(err)
	}

	if err := s.Requeue(ctx, "plan-a"); err != nil {
		t.Fatalf("Requeue(failed) error = %v", err)
	}
	if err := s.Requeue(ctx, "plan-b"); err != nil {
		t.Fatalf("Requeue(leased) error = %v", err)
	}
	if err := s.Requeue(ctx, "plan-c"); !stderrors.Is(err, dserr.ErrInvalidTransition) {
		t.Errorf("Requeue(queued) error = %v", err)
	}
	if err := s.Requeue(ctx, "ghost"); dserr.CodeOf(err) != dserr.CodeResourceNotFound {
		t.Errorf("Requeue(unknown) error = %v", err)
	}

	// Requeued plans go to the back of the line.
	peeked, err := s.Peek(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, 0, len(peeked))
	for _, e := range peeked {
		got = append(got, e.PlanID)
		if e.Error != "" {
			t.Errorf("%s kept error %q after requeue", e.PlanID, e.Error)
		}
	}
	want := []string{"plan-c", "plan-a", "plan-b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("queue order = %v, want %v", got, want)
	}
}

func TestContract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.Store {
		s, err := Open(filepath.Join(t.TempDir(), "queue.db"), opts, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

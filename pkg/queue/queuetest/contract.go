// Package queuetest holds the behaviour every queue.Store backend must share.
package queuetest

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/types"
)

// Factory opens an empty store with opts. Cleanup is the factory's job.
type Factory func(t *testing.T, opts queue.Options) queue.Store

// Run exercises a backend against the queue contract.
func Run(t *testing.T, open Factory) {
	t.Run("EnqueueDuplicate", func(t *testing.T) { testEnqueueDuplicate(t, open) })
	t.Run("LeaseOrder", func(t *testing.T) { testLeaseOrder(t, open) })
	t.Run("ConcurrentLease", func(t *testing.T) { testConcurrentLease(t, open) })
	t.Run("Transitions", func(t *testing.T) { testTransitions(t, open) })
	t.Run("ReclaimExpired", func(t *testing.T) { testReclaim(t, open) })
	t.Run("LeaseOwnership", func(t *testing.T) { testLeaseOwnership(t, open) })
}

func enqueue(t *testing.T, s queue.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.EnqueuePlan(context.Background(), types.SamplePlan(id, "")); err != nil {
			t.Fatalf("EnqueuePlan(%s) error = %v", id, err)
		}
	}
}

func testEnqueueDuplicate(t *testing.T, open Factory) {
	s := open(t, queue.Options{})
	enqueue(t, s, "dup")
	if err := s.EnqueuePlan(context.Background(), types.SamplePlan("dup", "")); !stderrors.Is(err, dserr.ErrDuplicatePlan) {
		t.Errorf("duplicate enqueue error = %v", err)
	}
}

func testLeaseOrder(t *testing.T, open Factory) {
	s := open(t, queue.Options{})
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		enqueue(t, s, id)
		// Distinct queued_at values even on coarse clocks.
		time.Sleep(5 * time.Millisecond)
	}
	leases, err := s.LeaseBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := queue.PlanIDs(leases); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("LeaseBatch(2) = %v", got)
	}
	for _, l := range leases {
		if l.LeaseID == "" {
			t.Errorf("plan %s leased without a lease id", l.Plan.PlanID)
		}
	}
	rest, err := s.LeaseBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := queue.PlanIDs(rest); len(got) != 1 || got[0] != "third" {
		t.Errorf("LeaseBatch(10) = %v", got)
	}
}

func testConcurrentLease(t *testing.T, open Factory) {
	s := open(t, queue.Options{})
	const total = 12
	for i := 0; i < total; i++ {
		enqueue(t, s, fmt.Sprintf("plan-%02d", i))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	errs := make(chan error, 3)
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leases, err := s.LeaseBatch(context.Background(), 2)
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

func testTransitions(t *testing.T, open Factory) {
	s := open(t, queue.Options{})
	ctx := context.Background()
	enqueue(t, s, "ok", "bad")
	held := leaseIDs(t, s, 2)
	if err := s.MarkComplete(ctx, "ok", "", nil); !stderrors.Is(err, dserr.ErrInvalidInput) {
		t.Errorf("MarkComplete() without lease id error = %v", err)
	}
	if err := s.MarkComplete(ctx, "ok", held["ok"], []string{"w1"}); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	if err := s.MarkFailed(ctx, "bad", held["bad"], "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := s.MarkComplete(ctx, "ok", held["ok"], nil); !stderrors.Is(err, dserr.ErrNotLeased) {
		t.Errorf("second MarkComplete() error = %v", err)
	}
	if err := s.MarkComplete(ctx, "ghost", held["ok"], nil); !stderrors.Is(err, dserr.ErrNotFound) {
		t.Errorf("MarkComplete(unknown) error = %v", err)
	}
	if err := s.Requeue(ctx, "ok"); !stderrors.Is(err, dserr.ErrInvalidTransition) {
		t.Errorf("Requeue(completed) error = %v", err)
	}
	if err := s.Requeue(ctx, "bad"); err != nil {
		t.Fatalf("Requeue(failed) error = %v", err)
	}
	queued, err := s.Peek(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].PlanID != "bad" || queued[0].Error != "" {
		t.Errorf("Peek() after requeue = %+v", queued)
	}
	done, err := s.ListPlans(ctx, types.QueueStatusCompleted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || len(done[0].Warnings) != 1 {
		t.Errorf("completed = %+v", done)
	}
}

func testReclaim(t *testing.T, open Factory) {
	s := open(t, queue.Options{LeaseTTL: time.Minute})
	ctx := context.Background()
	enqueue(t, s, "slow")
	if _, err := s.LeaseBatch(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got, err := s.ReclaimExpired(ctx, time.Now()); err != nil || len(got) != 0 {
		t.Fatalf("ReclaimExpired(now) = %v, %v", got, err)
	}
	got, err := s.ReclaimExpired(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "slow" {
		t.Fatalf("ReclaimExpired(+1h) = %v", got)
	}
	again, err := s.LeaseBatch(ctx, 1)
	if err != nil || len(again) != 1 {
		t.Errorf("reclaimed plan not leasable: %v, %v", queue.PlanIDs(again), err)
	}
}

// testLeaseOwnership covers a worker that outlives its lease: after the
// plan is reclaimed and leased again, only the new holder may finish it.
func testLeaseOwnership(t *testing.T, open Factory) {
	s := open(t, queue.Options{LeaseTTL: time.Minute})
	ctx := context.Background()
	enqueue(t, s, "p-1")
	first := leaseIDs(t, s, 1)["p-1"]
	if _, err := s.ReclaimExpired(ctx, time.Now().Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	second := leaseIDs(t, s, 1)["p-1"]
	if first == "" || second == "" || first == second {
		t.Fatalf("lease ids = %q then %q, want two distinct ids", first, second)
	}

	if err := s.MarkComplete(ctx, "p-1", first, nil); !stderrors.Is(err, dserr.ErrLeaseLost) {
		t.Errorf("MarkComplete(stale lease) error = %v, want %s", err, dserr.CodeLeaseLost)
	}
	if err := s.MarkFailed(ctx, "p-1", first, "late"); !stderrors.Is(err, dserr.ErrLeaseLost) {
		t.Errorf("MarkFailed(stale lease) error = %v, want %s", err, dserr.CodeLeaseLost)
	}
	if err := s.MarkComplete(ctx, "p-1", second, []string{"w"}); err != nil {
		t.Fatalf("MarkComplete(current lease) error = %v", err)
	}
	done, err := s.ListPlans(ctx, types.QueueStatusCompleted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].Error != "" || len(done[0].Warnings) != 1 {
		t.Errorf("completed = %+v", done)
	}
}

// leaseIDs leases n plans and maps plan id to lease id.
func leaseIDs(t *testing.T, s queue.Store, n int) map[string]string {
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

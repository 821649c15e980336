// Package firestorestore keeps the plan queue in a Firestore collection,
// one document per plan keyed by plan_id.
package firestorestore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/types"
)

// DefaultCollection is used when none is configured.
const DefaultCollection = "dossier_queue"

type document struct {
	PlanID         string     `firestore:"plan_id"`
	Status         string     `firestore:"status"`
	QueuedAt       time.Time  `firestore:"queued_at"`
	UpdatedAt      time.Time  `firestore:"updated_at"`
	Warnings       []string   `firestore:"warnings"`
	Error          string     `firestore:"error"`
	LeaseID        string     `firestore:"lease_id"`
	LeasedAt       *time.Time `firestore:"leased_at"`
	LeaseExpiresAt *time.Time `firestore:"lease_expires_at"`
	// Payload is the JSON plan snapshot; decimals survive as strings.
	Payload string `firestore:"payload"`
}

func (d document) entry() types.QueueEntry {
	e := types.QueueEntry{
		PlanID:         d.PlanID,
		Status:         types.QueueStatus(d.Status),
		QueuedAt:       d.QueuedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		Warnings:       d.Warnings,
		Error:          d.Error,
		LeaseID:        d.LeaseID,
		LeasedAt:       d.LeasedAt,
		LeaseExpiresAt: d.LeaseExpiresAt,
	}
	if e.Warnings == nil {
		e.Warnings = []string{}
	}
	if plan, err := queue.DecodePayload(d.Payload); err == nil {
		e.Payload = plan
	}
	return e
}

// Store implements queue.Store on Firestore.
type Store struct {
	client     *firestore.Client
	collection string
	opts       queue.Options
	now        func() time.Time
	logger     *slog.Logger
}

var _ queue.Store = (*Store)(nil)

// New uses client and collection (DefaultCollection when empty). The
// client is owned by the caller; Close does not close it.
func New(client *firestore.Client, collection string, opts queue.Options, logger *slog.Logger) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{
		client:     client,
		collection: collection,
		opts:       opts,
		now:        opts.Clock(),
		logger:     logging.OrDefault(logger),
	}
}

// Close is a no-op; the shared client is closed by its owner.
func (s *Store) Close() error { return nil }

func (s *Store) coll() *firestore.CollectionRef { return s.client.Collection(s.collection) }

func (s *Store) clock() time.Time { return s.now().UTC() }

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *dserr.Error
	if stderrors.As(err, &coded) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if status.Code(err) == codes.Aborted {
		return dserr.Wrap(err, dserr.CodeLeaseConflict, op)
	}
	return queue.Unavailable(err, op)
}

// EnqueuePlan creates the plan's document; Create fails if it exists.
func (s *Store) EnqueuePlan(ctx context.Context, plan types.Plan) error {
	if err := queue.ValidateForEnqueue(plan); err != nil {
		return err
	}
	payload, err := queue.EncodePayload(plan)
	if err != nil {
		return dserr.Wrap(err, dserr.CodeFormatInvalid, "enqueue plan")
	}
	now := s.clock()
	_, err = s.coll().Doc(plan.PlanID).Create(ctx, document{
		PlanID:    plan.PlanID,
		Status:    string(types.QueueStatusQueued),
		QueuedAt:  now,
		UpdatedAt: now,
		Warnings:  []string{},
		Payload:   payload,
	})
	if status.Code(err) == codes.AlreadyExists {
		return queue.Duplicate(plan.PlanID)
	}
	return classify(err, "enqueue plan")
}

// LeaseBatch reads the oldest queued documents and flips them to leased in
// one transaction. Firestore retries the transaction on contention, so two
// workers never commit a lease on the same document.
func (s *Store) LeaseBatch(ctx context.Context, n int) ([]queue.Lease, error) {
	if n <= 0 {
		return []queue.Lease{}, nil
	}
	leaseID := queue.NewLeaseID()
	var docs []document
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs = docs[:0]
		now := s.clock()
		q := s.coll().
			Where("status", "==", string(types.QueueStatusQueued)).
			OrderBy("queued_at", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc).
			Limit(n)
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			var d document
			if err := snap.DataTo(&d); err != nil {
				return err
			}
			updates := []firestore.Update{
				{Path: "status", Value: string(types.QueueStatusLeased)},
				{Path: "lease_id", Value: leaseID},
				{Path: "leased_at", Value: now},
				{Path: "lease_expires_at", Value: s.opts.ExpiresAt(now)},
				{Path: "updated_at", Value: now},
			}
			if err := tx.Update(snap.Ref, updates); err != nil {
				return err
			}
			docs = append(docs, d)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "lease batch")
	}

	leases := make([]queue.Lease, 0, len(docs))
	for _, d := range docs {
		plan, err := queue.DecodePayload(d.Payload)
		if err != nil {
			s.logger.Warn("failing plan with unreadable payload", "plan_id", d.PlanID, "error", err)
			if ferr := s.MarkFailed(ctx, d.PlanID, leaseID, err.Error()); ferr != nil {
				return leases, ferr
			}
			continue
		}
		leases = append(leases, queue.Lease{Plan: plan, LeaseID: leaseID})
	}
	return leases, nil
}

// held rejects a completion unless d is still leased under leaseID.
func held(d document, leaseID string) error {
	if d.Status == string(types.QueueStatusLeased) && d.LeaseID == leaseID {
		return nil
	}
	return queue.CompletionRefused(d.PlanID, leaseID, types.QueueStatus(d.Status), d.LeaseID)
}

// MarkComplete moves a plan held by leaseID to completed.
func (s *Store) MarkComplete(ctx context.Context, planID, leaseID string, warnings []string) error {
	if err := queue.RequireLeaseID(planID, leaseID); err != nil {
		return err
	}
	if warnings == nil {
		warnings = []string{}
	}
	return s.transition(ctx, planID, func(d document) ([]firestore.Update, error) {
		if err := held(d, leaseID); err != nil {
			return nil, err
		}
		return []firestore.Update{
			{Path: "status", Value: string(types.QueueStatusCompleted)},
			{Path: "warnings", Value: warnings},
			{Path: "error", Value: ""},
			{Path: "updated_at", Value: s.clock()},
		}, nil
	})
}

// MarkFailed moves a plan held by leaseID to failed.
func (s *Store) MarkFailed(ctx context.Context, planID, leaseID, reason string) error {
	if err := queue.RequireLeaseID(planID, leaseID); err != nil {
		return err
	}
	return s.transition(ctx, planID, func(d document) ([]firestore.Update, error) {
		if err := held(d, leaseID); err != nil {
			return nil, err
		}
		return []firestore.Update{
			{Path: "status", Value: string(types.QueueStatusFailed)},
			{Path: "error", Value: reason},
			{Path: "updated_at", Value: s.clock()},
		}, nil
	})
}

// Requeue moves a leased or failed plan back to queued.
func (s *Store) Requeue(ctx context.Context, planID string) error {
	return s.transition(ctx, planID, func(d document) ([]firestore.Update, error) {
		if err := queue.CheckRequeue(planID, types.QueueStatus(d.Status)); err != nil {
			return nil, err
		}
		now := s.clock()
		return []firestore.Update{
			{Path: "status", Value: string(types.QueueStatusQueued)},
			{Path: "lease_id", Value: ""},
			{Path: "leased_at", Value: nil},
			{Path: "lease_expires_at", Value: nil},
			{Path: "error", Value: ""},
			{Path: "queued_at", Value: now},
			{Path: "updated_at", Value: now},
		}, nil
	})
}

func (s *Store) transition(ctx context.Context, planID string, decide func(document) ([]firestore.Update, error)) error {
	ref := s.coll().Doc(planID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return queue.NotFound(planID)
		}
		if err != nil {
			return err
		}
		var d document
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if d.PlanID == "" {
			d.PlanID = planID
		}
		updates, err := decide(d)
		if err != nil {
			return err
		}
		return tx.Update(ref, updates)
	})
	return classify(err, "update plan "+planID)
}

// ListPlans returns entries ordered by updated_at, newest first.
func (s *Store) ListPlans(ctx context.Context, st types.QueueStatus, limit int) ([]types.QueueEntry, error) {
	if err := queue.ValidateStatus(st); err != nil {
		return nil, err
	}
	q := s.coll().Query
	if st != "" {
		q = q.Where("status", "==", string(st))
	}
	q = q.OrderBy("updated_at", firestore.Desc).Limit(queue.ClampLimit(limit))
	return s.entries(ctx, q)
}

// Peek lists queued entries in lease order.
func (s *Store) Peek(ctx context.Context, n int) ([]types.QueueEntry, error) {
	if n <= 0 {
		return []types.QueueEntry{}, nil
	}
	return s.entries(ctx, s.coll().
		Where("status", "==", string(types.QueueStatusQueued)).
		OrderBy("queued_at", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(n))
}

func (s *Store) entries(ctx context.Context, q firestore.Query) ([]types.QueueEntry, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, classify(err, "list plans")
	}
	out := make([]types.QueueEntry, 0, len(snaps))
	for _, snap := range snaps {
		var d document
		if err := snap.DataTo(&d); err != nil {
			return nil, classify(err, "decode plan")
		}
		out = append(out, d.entry())
	}
	return out, nil
}

// ReclaimExpired returns expired leases to the queue.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ids = ids[:0]
		q := s.coll().
			Where("status", "==", string(types.QueueStatusLeased)).
			Where("lease_expires_at", "<", now.UTC())
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		stamp := s.clock()
		for _, snap := range snaps {
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "status", Value: string(types.QueueStatusQueued)},
				{Path: "lease_id", Value: ""},
				{Path: "leased_at", Value: nil},
				{Path: "lease_expires_at", Value: nil},
				{Path: "updated_at", Value: stamp},
			}); err != nil {
				return err
			}
			ids = append(ids, snap.Ref.ID)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "reclaim expired leases")
	}
	sort.Strings(ids)
	out := append([]string{}, ids...)
	return out, nil
}

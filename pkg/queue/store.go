// Package queue defines the durable plan queue shared by the processor,
// the worker and the operator tools. Backends live in sub-packages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/types"
)

// List limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// Store is a durable queue of plans. Transitions are monotonic
// (queued → leased → completed|failed) except for the recovery paths
// ReclaimExpired and Requeue.
type Store interface {
	// EnqueuePlan inserts plan as queued. ErrDuplicatePlan if the id exists.
	EnqueuePlan(ctx context.Context, plan types.Plan) error
	// LeaseBatch atomically moves up to n of the oldest queued plans to
	// leased and returns them with their lease id. Concurrent callers never
	// receive the same plan.
	LeaseBatch(ctx context.Context, n int) ([]Lease, error)
	// MarkComplete records success for a plan still held by leaseID.
	MarkComplete(ctx context.Context, planID, leaseID string, warnings []string) error
	// MarkFailed records failure for a plan still held by leaseID.
	MarkFailed(ctx context.Context, planID, leaseID, reason string) error
	// ListPlans returns entries newest-updated first. An empty status lists all.
	ListPlans(ctx context.Context, status types.QueueStatus, limit int) ([]types.QueueEntry, error)
	// Peek returns up to n queued entries in lease order without leasing them.
	Peek(ctx context.Context, n int) ([]types.QueueEntry, error)
	// ReclaimExpired returns leased plans whose lease expired before now to
	// queued and reports their ids.
	ReclaimExpired(ctx context.Context, now time.Time) ([]string, error)
	// Requeue moves a leased or failed plan back to queued.
	Requeue(ctx context.Context, planID string) error
	Close() error
}

// Lease is a plan handed out by LeaseBatch. Only the holder of LeaseID may
// complete or fail it; a reclaimed plan gets a new lease id when it is
// leased again.
type Lease struct {
	Plan    types.Plan
	LeaseID string
}

// PlanIDs lists the plan ids of leases in order.
func PlanIDs(leases []Lease) []string {
	out := make([]string, 0, len(leases))
	for _, l := range leases {
		out = append(out, l.Plan.PlanID)
	}
	return out
}

// Options are shared by all backends.
type Options struct {
	// LeaseTTL of zero means leases never expire.
	LeaseTTL time.Duration
	Now      func() time.Time
}

// Clock returns the configured clock, defaulting to UTC wall time.
func (o Options) Clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// ExpiresAt returns the lease expiry for a lease taken at leasedAt, or nil
// when leases do not expire.
func (o Options) ExpiresAt(leasedAt time.Time) *time.Time {
	if o.LeaseTTL <= 0 {
		return nil
	}
	t := leasedAt.Add(o.LeaseTTL)
	return &t
}

// ClampLimit applies the default and bounds for ListPlans.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// NewLeaseID returns a fresh, time-ordered lease identifier.
func NewLeaseID() string {
	return ulid.Make().String()
}

// ValidateForEnqueue checks a plan before it is persisted.
func ValidateForEnqueue(plan types.Plan) error {
	if err := types.ValidatePlanID(plan.PlanID); err != nil {
		return dserr.Wrap(err, dserr.CodeInvalidInput, "enqueue plan")
	}
	return nil
}

// ValidateStatus rejects unknown status filters. Empty means all.
func ValidateStatus(status types.QueueStatus) error {
	if status == "" || status.Valid() {
		return nil
	}
	return dserr.Newf(dserr.CodeInvalidInput, "unknown queue status %q", status)
}

// EncodePayload serializes a plan snapshot.
func EncodePayload(plan types.Plan) (string, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("encode plan %s: %w", plan.PlanID, err)
	}
	return string(raw), nil
}

// DecodePayload restores a plan snapshot.
func DecodePayload(raw string) (types.Plan, error) {
	var plan types.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return types.Plan{}, fmt.Errorf("decode plan payload: %w", err)
	}
	return plan, nil
}

// EncodeWarnings serializes warnings for column storage.
func EncodeWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(warnings)
	return string(raw)
}

// DecodeWarnings is the inverse of EncodeWarnings. Bad input yields an empty list.
func DecodeWarnings(raw string) []string {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	if out == nil {
		out = []string{}
	}
	return out
}

// NotLeased builds the error for a completion attempt on a plan in status.
func NotLeased(planID string, status types.QueueStatus) error {
	return dserr.Newf(dserr.CodeNotLeased, "plan %s is %s, not leased", planID, status)
}

// RequireLeaseID rejects completion calls that do not name a lease.
func RequireLeaseID(planID, leaseID string) error {
	if strings.TrimSpace(leaseID) == "" {
		return dserr.Newf(dserr.CodeInvalidInput, "lease_id is required to mark plan %s", planID)
	}
	return nil
}

// CompletionRefused explains why a completion call under leaseID matched no
// row, given the plan's current status and lease holder.
func CompletionRefused(planID, leaseID string, status types.QueueStatus, holder string) error {
	if status == types.QueueStatusLeased && holder != leaseID {
		return dserr.Newf(dserr.CodeLeaseLost, "plan %s lease %s was reclaimed and is now held by %s", planID, leaseID, holder)
	}
	return NotLeased(planID, status)
}

// NotFound builds the error for an unknown plan id.
func NotFound(planID string) error {
	return dserr.Newf(dserr.CodeResourceNotFound, "plan %s not found", planID)
}

// Duplicate builds the error for an id that is already enqueued.
func Duplicate(planID string) error {
	return dserr.Newf(dserr.CodeDuplicatePlan, "plan %s already enqueued", planID)
}

// CheckRequeue enforces the Requeue transition guard.
func CheckRequeue(planID string, status types.QueueStatus) error {
	switch status {
	case types.QueueStatusLeased, types.QueueStatusFailed:
		return nil
	case types.QueueStatusQueued:
		return dserr.Newf(dserr.CodeInvalidTransition, "plan %s is already queued", planID)
	default:
		return dserr.Newf(dserr.CodeInvalidTransition, "plan %s is %s and cannot be requeued", planID, status)
	}
}

// Unavailable wraps a backend connectivity failure.
func Unavailable(err error, op string) error {
	return dserr.Wrap(err, dserr.CodeServiceUnavailable, op)
}

// Package pgstore is the shared queue backend for multi-worker
// deployments: PostgreSQL through a pgx pool, queries built with squirrel.
package pgstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/retry"
	"github.com/i4g/dossiers/pkg/types"
)

const table = "dossier_queue"

const schema = `
CREATE TABLE IF NOT EXISTS dossier_queue (
	plan_id          TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	queued_at        TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	warnings         TEXT NOT NULL DEFAULT '[]',
	error            TEXT NOT NULL DEFAULT '',
	lease_id         TEXT NOT NULL DEFAULT '',
	leased_at        TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	payload          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS dossier_queue_status_queued_idx ON dossier_queue (status, queued_at, plan_id);
CREATE INDEX IF NOT EXISTS dossier_queue_updated_idx ON dossier_queue (updated_at DESC);
`

var entryColumns = []string{
	"plan_id", "status", "queued_at", "updated_at", "warnings", "error",
	"lease_id", "leased_at", "lease_expires_at", "payload",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements queue.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	opts   queue.Options
	now    func() time.Time
	retry  retry.Config
	logger *slog.Logger
}

var _ queue.Store = (*Store)(nil)

// Open connects to dsn and ensures the queue table exists.
func Open(ctx context.Context, dsn string, opts queue.Options, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, dserr.New(dserr.CodeMissingRequired, "postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, queue.Unavailable(err, "connect postgres queue")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, queue.Unavailable(err, "ping postgres queue")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, queue.Unavailable(err, "migrate postgres queue")
	}
	return New(pool, opts, logger), nil
}

// New wraps an existing pool. The schema must already exist.
func New(pool *pgxpool.Pool, opts queue.Options, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		opts:   opts,
		now:    opts.Clock(),
		retry:  retry.DefaultConfigs.Fast,
		logger: logging.OrDefault(logger),
	}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) clock() time.Time { return s.now().UTC() }

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return dserr.Wrap(err, dserr.CodeLeaseConflict, op)
		}
	}
	return queue.Unavailable(err, op)
}

// EnqueuePlan inserts plan as queued.
func (s *Store) EnqueuePlan(ctx context.Context, plan types.Plan) error {
	if err := queue.ValidateForEnqueue(plan); err != nil {
		return err
	}
	payload, err := queue.EncodePayload(plan)
	if err != nil {
		return dserr.Wrap(err, dserr.CodeFormatInvalid, "enqueue plan")
	}
	now := s.clock()
	query, args, err := psql.Insert(table).
		Columns("plan_id", "status", "queued_at", "updated_at", "warnings", "payload").
		Values(plan.PlanID, string(types.QueueStatusQueued), now, now, "[]", payload).
		ToSql()
	if err != nil {
		return fmt.Errorf("build enqueue query: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return queue.Duplicate(plan.PlanID)
		}
		return classify(err, "enqueue plan")
	}
	return nil
}

type leasedRow struct {
	planID   string
	queuedAt time.Time
	payload  string
}

// LeaseBatch leases up to n plans in one statement. The inner SELECT takes
// row locks with SKIP LOCKED so concurrent workers split the backlog.
func (s *Store) LeaseBatch(ctx context.Context, n int) ([]queue.Lease, error) {
	if n <= 0 {
		return []queue.Lease{}, nil
	}
	leaseID := queue.NewLeaseID()
	rows, err := retry.ExecuteWithRetry(ctx, func() ([]leasedRow, error) {
		now := s.clock()
		oldest := psql.Select("plan_id").
			From(table).
			Where(sq.Eq{"status": string(types.QueueStatusQueued)}).
			OrderBy("queued_at ASC", "plan_id ASC").
			Limit(uint64(n)).
			Suffix("FOR UPDATE SKIP LOCKED")
		query, args, err := psql.Update(table).
			SetMap(map[string]interface{}{
				"status":           string(types.QueueStatusLeased),
				"lease_id":         leaseID,
				"leased_at":        now,
				"lease_expires_at": s.opts.ExpiresAt(now),
				"updated_at":       now,
			}).
			Where(sq.Expr("plan_id IN (?)", oldest)).
			Where(sq.Eq{"status": string(types.QueueStatusQueued)}).
			Suffix("RETURNING plan_id, queued_at, payload").
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build lease query: %w", err)
		}
		result, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, classify(err, "lease batch")
		}
		defer result.Close()
		var out []leasedRow
		for result.Next() {
			var r leasedRow
			if err := result.Scan(&r.planID, &r.queuedAt, &r.payload); err != nil {
				return nil, classify(err, "scan leased plan")
			}
			out = append(out, r)
		}
		if err := result.Err(); err != nil {
			return nil, classify(err, "lease batch")
		}
		return out, nil
	}, s.retry)
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].queuedAt.Equal(rows[j].queuedAt) {
			return rows[i].queuedAt.Before(rows[j].queuedAt)
		}
		return rows[i].planID < rows[j].planID
	})
	leases := make([]queue.Lease, 0, len(rows))
	for _, r := range rows {
		plan, err := queue.DecodePayload(r.payload)
		if err != nil {
			s.logger.Warn("failing plan with unreadable payload", "plan_id", r.planID, "error", err)
			if ferr := s.MarkFailed(ctx, r.planID, leaseID, err.Error()); ferr != nil {
				return leases, ferr
			}
			continue
		}
		leases = append(leases, queue.Lease{Plan: plan, LeaseID: leaseID})
	}
	return leases, nil
}

// MarkComplete moves a plan held by leaseID to completed.
func (s *Store) MarkComplete(ctx context.Context, planID, leaseID string, warnings []string) error {
	return s.finish(ctx, planID, leaseID, types.QueueStatusCompleted, map[string]interface{}{
		"warnings": queue.EncodeWarnings(warnings),
		"error":    "",
	})
}

// MarkFailed moves a plan held by leaseID to failed.
func (s *Store) MarkFailed(ctx context.Context, planID, leaseID, reason string) error {
	return s.finish(ctx, planID, leaseID, types.QueueStatusFailed, map[string]interface{}{
		"error": reason,
	})
}

func (s *Store) finish(ctx context.Context, planID, leaseID string, to types.QueueStatus, fields map[string]interface{}) error {
	if err := queue.RequireLeaseID(planID, leaseID); err != nil {
		return err
	}
	fields["status"] = string(to)
	fields["updated_at"] = s.clock()
	query, args, err := psql.Update(table).
		SetMap(fields).
		Where(sq.Eq{"plan_id": planID, "status": string(types.QueueStatusLeased), "lease_id": leaseID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify(err, "mark "+string(to))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, holder, err := s.state(ctx, planID)
	if err != nil {
		return err
	}
	return queue.CompletionRefused(planID, leaseID, current, holder)
}

// state reads the status and lease holder of planID.
func (s *Store) state(ctx context.Context, planID string) (types.QueueStatus, string, error) {
	query, args, err := psql.Select("status", "lease_id").From(table).Where(sq.Eq{"plan_id": planID}).ToSql()
	if err != nil {
		return "", "", fmt.Errorf("build status query: %w", err)
	}
	var status, holder string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&status, &holder); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", "", queue.NotFound(planID)
		}
		return "", "", classify(err, "read plan status")
	}
	return types.QueueStatus(status), holder, nil
}

// ListPlans returns entries ordered by updated_at, newest first.
func (s *Store) ListPlans(ctx context.Context, status types.QueueStatus, limit int) ([]types.QueueEntry, error) {
	if err := queue.ValidateStatus(status); err != nil {
		return nil, err
	}
	q := psql.Select(entryColumns...).From(table)
	if status != "" {
		q = q.Where(sq.Eq{"status": string(status)})
	}
	return s.selectEntries(ctx, q.OrderBy("updated_at DESC", "plan_id ASC").Limit(uint64(queue.ClampLimit(limit))))
}

// Peek lists queued entries in lease order.
func (s *Store) Peek(ctx context.Context, n int) ([]types.QueueEntry, error) {
	if n <= 0 {
		return []types.QueueEntry{}, nil
	}
	return s.selectEntries(ctx, psql.Select(entryColumns...).
		From(table).
		Where(sq.Eq{"status": string(types.QueueStatusQueued)}).
		OrderBy("queued_at ASC", "plan_id ASC").
		Limit(uint64(n)))
}

func (s *Store) selectEntries(ctx context.Context, q sq.SelectBuilder) ([]types.QueueEntry, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list plans")
	}
	defer rows.Close()

	out := []types.QueueEntry{}
	for rows.Next() {
		var (
			e        types.QueueEntry
			status   string
			warnings string
			payload  string
		)
		if err := rows.Scan(&e.PlanID, &status, &e.QueuedAt, &e.UpdatedAt, &warnings, &e.Error,
			&e.LeaseID, &e.LeasedAt, &e.LeaseExpiresAt, &payload); err != nil {
			return nil, classify(err, "scan plan")
		}
		e.Status = types.QueueStatus(status)
		e.Warnings = queue.DecodeWarnings(warnings)
		if plan, err := queue.DecodePayload(payload); err == nil {
			e.Payload = plan
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list plans")
	}
	return out, nil
}

// ReclaimExpired returns expired leases to the queue.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	query, args, err := psql.Update(table).
		SetMap(map[string]interface{}{
			"status":           string(types.QueueStatusQueued),
			"lease_id":         "",
			"leased_at":        nil,
			"lease_expires_at": nil,
			"updated_at":       s.clock(),
		}).
		Where(sq.Eq{"status": string(types.QueueStatusLeased)}).
		Where(sq.NotEq{"lease_expires_at": nil}).
		Where(sq.Lt{"lease_expires_at": now.UTC()}).
		Suffix("RETURNING plan_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reclaim query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "reclaim expired leases")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err, "reclaim expired leases")
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Requeue moves a leased or failed plan back to queued.
func (s *Store) Requeue(ctx context.Context, planID string) error {
	current, _, err := s.state(ctx, planID)
	if err != nil {
		return err
	}
	if err := queue.CheckRequeue(planID, current); err != nil {
		return err
	}
	now := s.clock()
	query, args, err := psql.Update(table).
		SetMap(map[string]interface{}{
			"status":           string(types.QueueStatusQueued),
			"lease_id":         "",
			"leased_at":        nil,
			"lease_expires_at": nil,
			"error":            "",
			"queued_at":        now,
			"updated_at":       now,
		}).
		Where(sq.Eq{"plan_id": planID, "status": string(current)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build requeue query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify(err, "requeue plan")
	}
	if tag.RowsAffected() == 0 {
		return dserr.Newf(dserr.CodeInvalidTransition, "plan %s changed state during requeue", planID)
	}
	return nil
}

// Package sqlstore is the embedded queue backend: gorm over a pure-Go
// SQLite database file. It is the default for local runs and tests.
package sqlstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/retry"
	"github.com/i4g/dossiers/pkg/types"
)

// entryRow is the persisted form of a queue entry.
type entryRow struct {
	PlanID         string     `gorm:"primaryKey;column:plan_id"`
	Status         string     `gorm:"not null;index:idx_dossier_queue_status_queued,priority:1"`
	QueuedAt       time.Time  `gorm:"not null;index:idx_dossier_queue_status_queued,priority:2"`
	UpdatedAt      time.Time  `gorm:"not null;index;autoUpdateTime:false"`
	Warnings       string     `gorm:"type:text;not null;default:'[]'"`
	Error          string     `gorm:"type:text"`
	LeaseID        string     `gorm:"index"`
	LeasedAt       *time.Time
	LeaseExpiresAt *time.Time
	Payload        string `gorm:"type:text;not null"`
}

func (entryRow) TableName() string { return "dossier_queue" }

func (r entryRow) entry() types.QueueEntry {
	e := types.QueueEntry{
		PlanID:         r.PlanID,
		Status:         types.QueueStatus(r.Status),
		QueuedAt:       r.QueuedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Warnings:       queue.DecodeWarnings(r.Warnings),
		Error:          r.Error,
		LeaseID:        r.LeaseID,
		LeasedAt:       r.LeasedAt,
		LeaseExpiresAt: r.LeaseExpiresAt,
	}
	if plan, err := queue.DecodePayload(r.Payload); err == nil {
		e.Payload = plan
	}
	return e
}

// Store implements queue.Store on SQLite.
type Store struct {
	db     *gorm.DB
	opts   queue.Options
	now    func() time.Time
	retry  retry.Config
	logger *slog.Logger
}

var _ queue.Store = (*Store)(nil)

// Open opens (creating if needed) the queue database at path.
func Open(path string, opts queue.Options, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, dserr.New(dserr.CodeMissingRequired, "sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, queue.Unavailable(err, "open sqlite queue")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, queue.Unavailable(err, "open sqlite queue")
	}
	// A single writer connection keeps SQLite lock contention inside this process.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&entryRow{}); err != nil {
		sqlDB.Close()
		return nil, queue.Unavailable(err, "migrate sqlite queue")
	}

	return &Store{
		db:     db,
		opts:   opts,
		now:    opts.Clock(),
		retry:  retry.DefaultConfigs.Fast,
		logger: logging.OrDefault(logger),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) clock() time.Time { return s.now().UTC() }

// classify maps SQLite lock contention to a retryable lease conflict and
// anything else to an unavailable store.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return dserr.Wrap(err, dserr.CodeLeaseConflict, op)
	}
	return queue.Unavailable(err, op)
}

func isDuplicate(err error) bool {
	return stderrors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
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
	row := entryRow{
		PlanID:    plan.PlanID,
		Status:    string(types.QueueStatusQueued),
		QueuedAt:  now,
		UpdatedAt: now,
		Warnings:  "[]",
		Payload:   payload,
	}
	_, err = retry.ExecuteWithRetry(ctx, func() (struct{}, error) {
		err := s.db.WithContext(ctx).Create(&row).Error
		if err != nil && isDuplicate(err) {
			return struct{}{}, queue.Duplicate(plan.PlanID)
		}
		return struct{}{}, classify(err, "enqueue plan")
	}, s.retry)
	return err
}

// LeaseBatch leases up to n of the oldest queued plans with a single
// conditional UPDATE, then reads back the rows carrying the new lease id.
func (s *Store) LeaseBatch(ctx context.Context, n int) ([]queue.Lease, error) {
	if n <= 0 {
		return []queue.Lease{}, nil
	}
	leaseID := queue.NewLeaseID()
	rows, err := retry.ExecuteWithRetry(ctx, func() ([]entryRow, error) {
		now := s.clock()
		db := s.db.WithContext(ctx)
		oldest := db.Model(&entryRow{}).
			Select("plan_id").
			Where("status = ?", string(types.QueueStatusQueued)).
			Order("queued_at ASC, plan_id ASC").
			Limit(n)
		err := db.Model(&entryRow{}).
			Where("status = ? AND plan_id IN (?)", string(types.QueueStatusQueued), oldest).
			Updates(map[string]interface{}{
				"status":           string(types.QueueStatusLeased),
				"lease_id":         leaseID,
				"leased_at":        now,
				"lease_expires_at": s.opts.ExpiresAt(now),
				"updated_at":       now,
			}).Error
		if err != nil {
			return nil, classify(err, "lease batch")
		}
		var leased []entryRow
		if err := db.Where("lease_id = ?", leaseID).Order("queued_at ASC, plan_id ASC").Find(&leased).Error; err != nil {
			return nil, classify(err, "read leased batch")
		}
		return leased, nil
	}, s.retry)
	if err != nil {
		return nil, err
	}

	leases := make([]queue.Lease, 0, len(rows))
	for _, row := range rows {
		plan, err := queue.DecodePayload(row.Payload)
		if err != nil {
			s.logger.Warn("failing plan with unreadable payload", "plan_id", row.PlanID, "error", err)
			if ferr := s.MarkFailed(ctx, row.PlanID, leaseID, err.Error()); ferr != nil {
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
	_, err := retry.ExecuteWithRetry(ctx, func() (struct{}, error) {
		res := s.db.WithContext(ctx).Model(&entryRow{}).
			Where("plan_id = ? AND status = ? AND lease_id = ?", planID, string(types.QueueStatusLeased), leaseID).
			Updates(fields)
		if res.Error != nil {
			return struct{}{}, classify(res.Error, "mark "+string(to))
		}
		if res.RowsAffected == 1 {
			return struct{}{}, nil
		}
		current, err := s.state(ctx, planID)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, queue.CompletionRefused(planID, leaseID, types.QueueStatus(current.Status), current.LeaseID)
	}, s.retry)
	return err
}

// state reads the status and lease holder of planID.
func (s *Store) state(ctx context.Context, planID string) (entryRow, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Select("plan_id", "status", "lease_id").Where("plan_id = ?", planID).Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return entryRow{}, queue.NotFound(planID)
	}
	if err != nil {
		return entryRow{}, classify(err, "read plan status")
	}
	return row, nil
}

// ListPlans returns entries ordered by updated_at, newest first.
func (s *Store) ListPlans(ctx context.Context, status types.QueueStatus, limit int) ([]types.QueueEntry, error) {
	if err := queue.ValidateStatus(status); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&entryRow{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []entryRow
	if err := q.Order("updated_at DESC, plan_id ASC").Limit(queue.ClampLimit(limit)).Find(&rows).Error; err != nil {
		return nil, classify(err, "list plans")
	}
	return toEntries(rows), nil
}

// Peek lists queued entries in lease order.
func (s *Store) Peek(ctx context.Context, n int) ([]types.QueueEntry, error) {
	if n <= 0 {
		return []types.QueueEntry{}, nil
	}
	var rows []entryRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.QueueStatusQueued)).
		Order("queued_at ASC, plan_id ASC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err, "peek queue")
	}
	return toEntries(rows), nil
}

// ReclaimExpired returns expired leases to the queue.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&entryRow{}).
			Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", string(types.QueueStatusLeased), now)
		if err := expired.Order("plan_id ASC").Pluck("plan_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&entryRow{}).
			Where("plan_id IN ? AND status = ?", ids, string(types.QueueStatusLeased)).
			Updates(map[string]interface{}{
				"status":           string(types.QueueStatusQueued),
				"lease_id":         "",
				"leased_at":        nil,
				"lease_expires_at": nil,
				"updated_at":       s.clock(),
			}).Error
	})
	if err != nil {
		return nil, classify(err, "reclaim expired leases")
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Requeue moves a leased or failed plan back to queued.
func (s *Store) Requeue(ctx context.Context, planID string) error {
	row, err := s.state(ctx, planID)
	if err != nil {
		return err
	}
	current := types.QueueStatus(row.Status)
	if err := queue.CheckRequeue(planID, current); err != nil {
		return err
	}
	now := s.clock()
	res := s.db.WithContext(ctx).Model(&entryRow{}).
		Where("plan_id = ? AND status = ?", planID, string(current)).
		Updates(map[string]interface{}{
			"status":           string(types.QueueStatusQueued),
			"lease_id":         "",
			"leased_at":        nil,
			"lease_expires_at": nil,
			"error":            "",
			"queued_at":        now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return classify(res.Error, "requeue plan")
	}
	if res.RowsAffected == 0 {
		return dserr.Newf(dserr.CodeInvalidTransition, "plan %s changed state during requeue", planID)
	}
	return nil
}

func toEntries(rows []entryRow) []types.QueueEntry {
	out := make([]types.QueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out
}

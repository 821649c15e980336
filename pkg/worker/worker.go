// Package worker runs the dossier processor on a schedule and over HTTP.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/processor"
	"github.com/i4g/dossiers/pkg/status"
	"github.com/i4g/dossiers/pkg/types"
)

// BatchProcessor drains the queue. *processor.Processor satisfies it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, opts processor.Options) (types.Summary, error)
}

// Reclaimer returns expired leases to the queue. Every queue.Store satisfies it.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, now time.Time) ([]string, error)
}

var _ BatchProcessor = (*processor.Processor)(nil)

// Options configures a Worker.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	// LeaseTTL of zero disables reclaiming; leases then never expire.
	LeaseTTL time.Duration
	Reporter status.Reporter
	Now      func() time.Time
}

// Worker serializes batches from the poll loop and HTTP triggers.
type Worker struct {
	proc    BatchProcessor
	reclaim Reclaimer
	opts    Options
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates a Worker. reclaim may be nil when leases never expire.
func New(proc BatchProcessor, reclaim Reclaimer, opts Options, logger *slog.Logger) *Worker {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Reporter == nil {
		opts.Reporter = status.Noop{}
	}
	return &Worker{proc: proc, reclaim: reclaim, opts: opts, logger: logging.OrDefault(logger)}
}

// Tick reclaims expired leases, then processes one batch of the configured size.
func (w *Worker) Tick(ctx context.Context) (types.Summary, error) {
	return w.run(ctx, w.opts.BatchSize, false)
}

func (w *Worker) run(ctx context.Context, batchSize int, dryRun bool) (types.Summary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opts.LeaseTTL > 0 && w.reclaim != nil && !dryRun {
		ids, err := w.reclaim.ReclaimExpired(ctx, w.opts.Now())
		if err != nil {
			w.logger.Warn("reclaim expired leases failed", "error", err)
		} else if len(ids) > 0 {
			w.logger.Info("reclaimed expired leases", "count", len(ids), "plan_ids", ids)
		}
	}

	summary, err := w.proc.ProcessBatch(ctx, processor.Options{
		BatchSize: batchSize,
		DryRun:    dryRun,
		Reporter:  w.opts.Reporter,
	})
	if err != nil {
		w.logger.Error("batch failed", "error", err, "processed", summary.Processed)
		return summary, err
	}
	if summary.Processed > 0 {
		w.logger.Info("batch finished",
			"processed", summary.Processed, "completed", summary.Completed, "failed", summary.Failed)
	}
	return summary, nil
}

// Run ticks immediately and then every PollInterval until ctx is done.
// Batch errors are logged and the loop carries on.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("dossier worker started",
		"batch_size", w.opts.BatchSize, "poll_interval", w.opts.PollInterval, "lease_ttl", w.opts.LeaseTTL)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		_, _ = w.Tick(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("dossier worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

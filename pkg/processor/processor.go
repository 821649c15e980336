// Package processor drains the plan queue one batch at a time.
package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/status"
	"github.com/i4g/dossiers/pkg/types"
)

// Outcome statuses reported per plan.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDryRun    = "dry_run"
)

// Generator builds the dossier for one plan.
type Generator interface {
	Generate(ctx context.Context, plan types.Plan) (types.GenerationResult, error)
}

// Options controls one ProcessBatch call.
type Options struct {
	BatchSize int
	DryRun    bool
	Reporter  status.Reporter
}

// Processor leases plans, generates their dossiers and records the outcome.
type Processor struct {
	store     queue.Store
	generator Generator
	logger    *slog.Logger
}

// New creates a Processor. generator may be nil for dry runs only.
func New(store queue.Store, generator Generator, logger *slog.Logger) *Processor {
	return &Processor{store: store, generator: generator, logger: logging.OrDefault(logger)}
}

// ProcessBatch leases at most opts.BatchSize plans and processes them in
// lease order. A plan that fails to generate, or whose outcome the store
// refuses, is reported failed and the batch continues. The returned error is
// reserved for an unavailable store; the summary then covers every plan
// handled so far, including the one whose mark call failed.
func (p *Processor) ProcessBatch(ctx context.Context, opts Options) (types.Summary, error) {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = status.Noop{}
	}
	summary := types.Summary{DryRun: opts.DryRun, Plans: []types.PlanOutcome{}}

	reporter.Update(ctx, status.Update{
		Status:  "started",
		Message: "Dossier batch started",
		Fields:  map[string]interface{}{"batch_size": opts.BatchSize, "dry_run": opts.DryRun},
	})

	if opts.DryRun {
		entries, err := p.store.Peek(ctx, opts.BatchSize)
		if err != nil {
			return summary, err
		}
		for _, e := range entries {
			summary.Plans = append(summary.Plans, types.PlanOutcome{
				PlanID:    e.PlanID,
				Status:    OutcomeDryRun,
				Artifacts: []string{},
				Warnings:  []string{},
			})
		}
		summary.Processed = len(entries)
		p.finish(ctx, reporter, summary)
		return summary, nil
	}

	if p.generator == nil {
		return summary, dserr.New(dserr.CodeMissingRequired, "processor has no generator")
	}

	leases, err := p.store.LeaseBatch(ctx, opts.BatchSize)
	if err != nil {
		return summary, err
	}
	p.logger.Info("leased plans", "count", len(leases), "batch_size", opts.BatchSize)

	for _, l := range leases {
		outcome, markErr := p.process(ctx, l)
		summary.Processed++
		summary.Plans = append(summary.Plans, outcome)
		if outcome.Status == OutcomeCompleted {
			summary.Completed++
			reporter.Update(ctx, status.Update{
				Status:  "plan_completed",
				Message: fmt.Sprintf("Dossier %s completed", outcome.PlanID),
				Fields: map[string]interface{}{
					"plan_id":   outcome.PlanID,
					"artifacts": len(outcome.Artifacts),
					"warnings":  len(outcome.Warnings),
				},
			})
			continue
		}
		summary.Failed++
		reporter.Update(ctx, status.Update{
			Status:  "plan_failed",
			Message: fmt.Sprintf("Dossier %s failed", outcome.PlanID),
			Fields:  map[string]interface{}{"plan_id": outcome.PlanID, "error": outcome.Error},
		})
		if markErr != nil && abortsBatch(ctx, markErr) {
			return summary, markErr
		}
	}

	p.finish(ctx, reporter, summary)
	return summary, nil
}

// process generates one leased plan and records the result under its lease.
// A refused or failed mark call becomes the plan's outcome; the error is
// returned so the caller can decide whether the store is still usable.
func (p *Processor) process(ctx context.Context, l queue.Lease) (types.PlanOutcome, error) {
	planID := l.Plan.PlanID
	log := p.logger.With("plan_id", planID, "lease_id", l.LeaseID)

	result, genErr := p.generate(ctx, l.Plan)
	outcome := types.PlanOutcome{
		PlanID:    planID,
		Status:    OutcomeCompleted,
		Artifacts: nonNil(result.Artifacts),
		Warnings:  nonNil(result.Warnings),
	}

	var markErr error
	if genErr != nil {
		log.Error("dossier generation failed", "error", genErr)
		outcome.Status = OutcomeFailed
		outcome.Error = genErr.Error()
		markErr = p.store.MarkFailed(ctx, planID, l.LeaseID, genErr.Error())
	} else {
		markErr = p.store.MarkComplete(ctx, planID, l.LeaseID, result.Warnings)
	}

	if markErr != nil {
		log.Error("plan outcome not recorded", "error", markErr)
		outcome.Status = OutcomeFailed
		if outcome.Error != "" {
			outcome.Error += "; "
		}
		outcome.Error += "record outcome: " + markErr.Error()
		return outcome, markErr
	}
	if genErr == nil {
		log.Info("dossier completed", "artifacts", len(result.Artifacts), "warnings", len(result.Warnings))
	}
	return outcome, nil
}

// abortsBatch reports whether a mark failure means the remaining leases
// cannot be recorded either.
func abortsBatch(ctx context.Context, err error) bool {
	return stderrors.Is(err, dserr.ErrStoreUnavailable) || ctx.Err() != nil
}

// generate runs the generator, turning a panic into an ordinary failure.
func (p *Processor) generate(ctx context.Context, plan types.Plan) (result types.GenerationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dserr.Newf(dserr.CodePanic, "panic: %v", r)
		}
	}()
	return p.generator.Generate(ctx, plan)
}

func (p *Processor) finish(ctx context.Context, reporter status.Reporter, summary types.Summary) {
	reporter.Update(ctx, status.Update{
		Status:  "completed",
		Message: "Dossier batch finished",
		Fields: map[string]interface{}{
			"processed": summary.Processed,
			"completed": summary.Completed,
			"failed":    summary.Failed,
			"dry_run":   summary.DryRun,
		},
	})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

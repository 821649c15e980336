package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/i4g/dossiers/pkg/app"
	"github.com/i4g/dossiers/pkg/catalog"
	"github.com/i4g/dossiers/pkg/processor"
	"github.com/i4g/dossiers/pkg/types"
)

const samplePlanID = "dossier-us-ca-001"

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runEnqueueSample(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("enqueue-sample")
	planID := fs.String("plan-id", samplePlanID, "plan identifier")
	folder := fs.String("drive-folder-id", a.Config.Upload.DriveParentID, "upload destination folder")
	if err := fs.Parse(args); err != nil {
		return err
	}
	plan := types.SamplePlan(*planID, *folder)
	if err := a.Store.EnqueuePlan(ctx, plan); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Enqueued plan %s\n", plan.PlanID)
	return nil
}

func runProcess(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("process")
	batchSize := fs.Int("batch-size", a.Config.Worker.BatchSize, "number of plans to lease")
	dryRun := fs.Bool("dry-run", false, "list the plans that would be leased")
	preview := fs.Int("preview", 5, "number of plan results to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *batchSize < 1 {
		return fmt.Errorf("--batch-size must be at least 1")
	}

	opts := processor.Options{BatchSize: *batchSize, DryRun: *dryRun, Reporter: a.Reporter}
	var (
		summary types.Summary
		err     error
	)
	if *dryRun {
		summary, err = processor.New(a.Store, nil, a.Logger).ProcessBatch(ctx, opts)
	} else {
		p, perr := a.Processor(ctx)
		if perr != nil {
			return perr
		}
		summary, err = p.ProcessBatch(ctx, opts)
	}
	if err != nil {
		return err
	}
	printSummary(stdout, summary, *preview)
	return nil
}

func printSummary(w io.Writer, summary types.Summary, preview int) {
	if summary.Processed == 0 {
		fmt.Fprintln(w, "No pending dossier plans found in the queue.")
		return
	}
	dry := "no"
	if summary.DryRun {
		dry = "yes"
	}
	fmt.Fprintf(w, "Processed %d plan(s): completed=%d failed=%d dry_run=%s\n",
		summary.Processed, summary.Completed, summary.Failed, dry)

	n := min(max(preview, 0), len(summary.Plans))
	for _, plan := range summary.Plans[:n] {
		fmt.Fprintf(w, "  - %s [%s]\n", plan.PlanID, plan.Status)
		if len(plan.Artifacts) > 0 {
			fmt.Fprintf(w, "      artifacts: %v\n", plan.Artifacts)
		}
		if len(plan.Warnings) > 0 {
			fmt.Fprintf(w, "      warnings: %v\n", plan.Warnings)
		}
		if plan.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", plan.Error)
		}
	}
	if len(summary.Plans) > n {
		fmt.Fprintf(w, "  ...and %d more plan(s).\n", len(summary.Plans)-n)
	}
}

func runList(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("list")
	status := fs.String("status", string(types.QueueStatusCompleted), "queue status or all")
	limit := fs.Int("limit", catalog.DefaultLimit, "maximum records")
	includeManifest := fs.Bool("include-manifest", false, "embed each dossier manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	listing, err := a.Catalog.ListDossiers(ctx, catalog.ListOptions{
		Status:          *status,
		Limit:           *limit,
		IncludeManifest: *includeManifest,
	})
	if err != nil {
		return err
	}
	return printJSON(stdout, listing)
}

func singleArg(name string, args []string) (string, error) {
	fs := newFlags(name)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one plan id")
	}
	return fs.Arg(0), nil
}

func runVerify(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	planID, err := singleArg("verify", args)
	if err != nil {
		return err
	}
	report, err := a.Catalog.Verify(ctx, planID)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, report); err != nil {
		return err
	}
	if !report.AllVerified {
		return fmt.Errorf("dossier %s failed verification: missing=%d mismatch=%d",
			planID, report.MissingCount, report.MismatchCount)
	}
	return nil
}

func runRequeue(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	planID, err := singleArg("requeue", args)
	if err != nil {
		return err
	}
	if err := a.Store.Requeue(ctx, planID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Requeued plan %s\n", planID)
	return nil
}

func runReclaim(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	if err := newFlags("reclaim").Parse(args); err != nil {
		return err
	}
	ids, err := a.Store.ReclaimExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Reclaimed %d expired lease(s)\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(stdout, "  - %s\n", id)
	}
	return nil
}

func runACL(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := newFlags("acl")
	if err := fs.Parse(args); err != nil {
		return err
	}
	summary, warnings := a.DriveUploader().FetchACL(ctx, fs.Arg(0))
	return printJSON(stdout, map[string]interface{}{
		"acl":      summary,
		"warnings": warnings,
	})
}

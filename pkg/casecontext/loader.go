package casecontext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/types"
)

// Review is the analyst decision attached to a case.
type Review struct {
	Reviewer   string    `json:"reviewer" firestore:"reviewer"`
	Decision   string    `json:"decision" firestore:"decision"`
	Notes      string    `json:"notes,omitempty" firestore:"notes"`
	ReviewedAt time.Time `json:"reviewed_at" firestore:"reviewed_at"`
}

// CaseRecord is the structured-store view of one case.
type CaseRecord struct {
	CaseID         string            `json:"case_id" firestore:"case_id"`
	Title          string            `json:"title,omitempty" firestore:"title"`
	Summary        string            `json:"summary,omitempty" firestore:"summary"`
	Classification string            `json:"classification,omitempty" firestore:"classification"`
	Channels       []string          `json:"channels,omitempty" firestore:"channels"`
	Status         string            `json:"status,omitempty" firestore:"status"`
	Metadata       map[string]string `json:"metadata,omitempty" firestore:"metadata"`
	Review         *Review           `json:"review,omitempty" firestore:"review"`
}

// Result is the context stage output.
type Result struct {
	Cases    []CaseRecord `json:"cases"`
	Missing  []string     `json:"missing"`
	Warnings []string     `json:"warnings"`
}

// Source fetches case records by id. Ids with no record are left out of
// the returned map.
type Source interface {
	FetchCases(ctx context.Context, caseIDs []string) (map[string]CaseRecord, error)
}

// Loader resolves every candidate of a plan against a Source.
type Loader struct {
	source Source
	logger *slog.Logger
}

// NewLoader creates a Loader over source
func NewLoader(source Source, logger *slog.Logger) *Loader {
	return &Loader{source: source, logger: logging.OrDefault(logger)}
}

// Load fetches the plan's cases in plan order. Cases the source does not
// know are reported as warnings; an error means the source itself failed.
func (l *Loader) Load(ctx context.Context, plan types.Plan) (Result, error) {
	result := Result{Cases: []CaseRecord{}, Missing: []string{}, Warnings: []string{}}
	if l.source == nil {
		result.Warnings = append(result.Warnings, "No case source configured; context is empty")
		return result, nil
	}

	ids := make([]string, 0, len(plan.Cases))
	for _, c := range plan.Cases {
		ids = append(ids, c.CaseID)
	}
	records, err := l.source.FetchCases(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("fetch cases for plan %s: %w", plan.PlanID, err)
	}

	for _, id := range ids {
		record, ok := records[id]
		if !ok {
			result.Missing = append(result.Missing, id)
			result.Warnings = append(result.Warnings, fmt.Sprintf("Case %s not found in case store", id))
			continue
		}
		if record.CaseID == "" {
			record.CaseID = id
		}
		if record.Review == nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Case %s has no review metadata", id))
		}
		result.Cases = append(result.Cases, record)
	}
	l.logger.Debug("context loaded", "plan_id", plan.PlanID, "cases", len(result.Cases), "missing", len(result.Missing))
	return result, nil
}

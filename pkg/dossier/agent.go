package dossier

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/casecontext"
	"github.com/i4g/dossiers/pkg/types"
)

// AgentCase is the per-case slice of the agent payload.
type AgentCase struct {
	CaseID         string          `json:"case_id"`
	Jurisdiction   string          `json:"jurisdiction"`
	LossAmountUSD  decimal.Decimal `json:"loss_amount_usd"`
	Title          string          `json:"title,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Classification string          `json:"classification,omitempty"`
	ReviewDecision string          `json:"review_decision,omitempty"`
}

// AgentPayload is a compact, prompt-ready digest of a dossier for
// downstream drafting agents.
type AgentPayload struct {
	PlanID          string                 `json:"plan_id"`
	Jurisdiction    string                 `json:"jurisdiction"`
	Headline        string                 `json:"headline"`
	TotalLossUSD    decimal.Decimal        `json:"total_loss_usd"`
	CrossBorder     bool                   `json:"cross_border"`
	Cases           []AgentCase            `json:"cases"`
	KeyEntities     []analysis.EntityCount `json:"key_entities"`
	MissingContext  []string               `json:"missing_context"`
	OpenQuestions   []string               `json:"open_questions"`
	RecommendedNext []string               `json:"recommended_next_steps"`
}

// BuildAgentPayload assembles the payload from the plan, its analysis and
// whatever case context was loaded. ctx may be nil.
func BuildAgentPayload(plan types.Plan, an analysis.Analysis, ctx *casecontext.Result) AgentPayload {
	records := map[string]casecontext.CaseRecord{}
	missing := []string{}
	if ctx != nil {
		for _, rec := range ctx.Cases {
			records[rec.CaseID] = rec
		}
		missing = append(missing, ctx.Missing...)
	}

	cases := make([]AgentCase, 0, len(plan.Cases))
	for _, c := range plan.Cases {
		ac := AgentCase{CaseID: c.CaseID, Jurisdiction: c.Jurisdiction, LossAmountUSD: c.LossAmountUSD}
		if rec, ok := records[c.CaseID]; ok {
			ac.Title = rec.Title
			ac.Summary = rec.Summary
			ac.Classification = rec.Classification
			if rec.Review != nil {
				ac.ReviewDecision = rec.Review.Decision
			}
		}
		cases = append(cases, ac)
	}
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].LossAmountUSD.GreaterThan(cases[j].LossAmountUSD)
	})

	questions := []string{}
	if !an.TotalsAgree {
		questions = append(questions, fmt.Sprintf(
			"Declared total %s USD differs from the case sum %s USD",
			an.DeclaredTotalLossUSD.StringFixed(2), an.ComputedTotalLossUSD.StringFixed(2)))
	}
	for _, id := range missing {
		questions = append(questions, fmt.Sprintf("No case record found for %s", id))
	}

	next := []string{fmt.Sprintf("Review the dossier for %s before referral", plan.JurisdictionKey)}
	if plan.CrossBorder || an.CrossBorderCount > 0 {
		next = append(next, "Coordinate with partner agencies on cross-border cases")
	}
	if len(missing) > 0 {
		next = append(next, "Backfill missing case records before sharing")
	}

	return AgentPayload{
		PlanID:       plan.PlanID,
		Jurisdiction: plan.JurisdictionKey,
		Headline: fmt.Sprintf("%d case(s) totaling $%s USD in %s",
			len(plan.Cases), plan.TotalLossUSD.StringFixed(2), plan.JurisdictionKey),
		TotalLossUSD:    plan.TotalLossUSD,
		CrossBorder:     plan.CrossBorder,
		Cases:           cases,
		KeyEntities:     an.TopEntities,
		MissingContext:  missing,
		OpenQuestions:   questions,
		RecommendedNext: next,
	}
}

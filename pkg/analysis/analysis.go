// Package analysis derives summary figures from a plan's candidates.
package analysis

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/i4g/dossiers/pkg/types"
)

// EntityCount pairs an entity with the number of cases naming it.
type EntityCount struct {
	Entity string `json:"entity"`
	Count  int    `json:"count"`
}

// Analysis is the deterministic summary of a plan.
type Analysis struct {
	CaseCount            int                        `json:"case_count"`
	DeclaredTotalLossUSD decimal.Decimal            `json:"declared_total_loss_usd"`
	ComputedTotalLossUSD decimal.Decimal            `json:"computed_total_loss_usd"`
	TotalsAgree          bool                       `json:"totals_agree"`
	AverageLossUSD       decimal.Decimal            `json:"average_loss_usd"`
	LargestCaseID        string                     `json:"largest_case_id,omitempty"`
	JurisdictionCounts   map[string]int             `json:"jurisdiction_counts"`
	LossByJurisdiction   map[string]decimal.Decimal `json:"loss_by_jurisdiction"`
	CrossBorderCount     int                        `json:"cross_border_count"`
	EarliestAcceptedAt   *time.Time                 `json:"earliest_accepted_at,omitempty"`
	LatestAcceptedAt     *time.Time                 `json:"latest_accepted_at,omitempty"`
	EntityCount          int                        `json:"entity_count"`
	TopEntities          []EntityCount              `json:"top_entities"`
}

// maxTopEntities caps the entity ranking carried in the manifest.
const maxTopEntities = 10

// Analyze summarizes plan. It never fails; an empty plan yields zero values.
func Analyze(plan types.Plan) Analysis {
	a := Analysis{
		CaseCount:            len(plan.Cases),
		DeclaredTotalLossUSD: plan.TotalLossUSD,
		ComputedTotalLossUSD: decimal.Zero,
		AverageLossUSD:       decimal.Zero,
		JurisdictionCounts:   map[string]int{},
		LossByJurisdiction:   map[string]decimal.Decimal{},
		TopEntities:          []EntityCount{},
	}

	entityCases := map[string]int{}
	var largest decimal.Decimal
	for _, c := range plan.Cases {
		a.ComputedTotalLossUSD = a.ComputedTotalLossUSD.Add(c.LossAmountUSD)
		j := c.Jurisdiction
		if j == "" {
			j = "unknown"
		}
		a.JurisdictionCounts[j]++
		a.LossByJurisdiction[j] = a.LossByJurisdiction[j].Add(c.LossAmountUSD)
		if c.CrossBorder {
			a.CrossBorderCount++
		}
		if a.LargestCaseID == "" || c.LossAmountUSD.GreaterThan(largest) {
			largest = c.LossAmountUSD
			a.LargestCaseID = c.CaseID
		}
		if !c.AcceptedAt.IsZero() {
			t := c.AcceptedAt
			if a.EarliestAcceptedAt == nil || t.Before(*a.EarliestAcceptedAt) {
				a.EarliestAcceptedAt = &t
			}
			if a.LatestAcceptedAt == nil || t.After(*a.LatestAcceptedAt) {
				a.LatestAcceptedAt = &t
			}
		}
		for _, e := range c.PrimaryEntities {
			entityCases[e]++
		}
	}

	if a.CaseCount > 0 {
		a.AverageLossUSD = a.ComputedTotalLossUSD.Div(decimal.NewFromInt(int64(a.CaseCount))).Round(2)
	}
	a.TotalsAgree = a.ComputedTotalLossUSD.Equal(plan.TotalLossUSD)
	a.EntityCount = len(entityCases)
	a.TopEntities = RankEntities(entityCases, maxTopEntities)
	return a
}

// RankEntities orders counts by count descending, then entity name, keeping
// at most limit rows (limit <= 0 keeps all).
func RankEntities(counts map[string]int, limit int) []EntityCount {
	ranked := make([]EntityCount, 0, len(counts))
	for entity, n := range counts {
		ranked = append(ranked, EntityCount{Entity: entity, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Entity < ranked[j].Entity
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

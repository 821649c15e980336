package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SamplePlan returns a single-case plan used for smoke runs and seeding a
// fresh queue. Pass an empty folderID to leave the upload destination unset.
func SamplePlan(planID, folderID string) Plan {
	loss := decimal.NewFromInt(125000)
	return Plan{
		PlanID:          planID,
		JurisdictionKey: "US-CA",
		CreatedAt:       time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC),
		TotalLossUSD:    loss,
		Cases: []Candidate{
			{
				CaseID:          "case-1",
				LossAmountUSD:   loss,
				AcceptedAt:      time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
				Jurisdiction:    "US-CA",
				CrossBorder:     true,
				PrimaryEntities: NewEntitySet("wallet:test"),
			},
		},
		BundleReason:        "pilot-run",
		CrossBorder:         true,
		SharedDriveParentID: folderID,
	}
}

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QueueStatus represents the lifecycle state of a queued plan
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusLeased    QueueStatus = "leased"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusQueued, QueueStatusLeased, QueueStatusCompleted, QueueStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further pipeline transition is possible
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// Candidate is a case reference bundled into a plan
type Candidate struct {
	CaseID          string          `json:"case_id"`
	LossAmountUSD   decimal.Decimal `json:"loss_amount_usd"`
	AcceptedAt      time.Time       `json:"accepted_at"`
	Jurisdiction    string          `json:"jurisdiction"`
	CrossBorder     bool            `json:"cross_border"`
	PrimaryEntities EntitySet       `json:"primary_entities"`
}

// Plan is a unit of dossier generation work. Plans are produced upstream
// and treated as read-only once enqueued.
type Plan struct {
	PlanID              string          `json:"plan_id"`
	JurisdictionKey     string          `json:"jurisdiction_key"`
	CreatedAt           time.Time       `json:"created_at"`
	TotalLossUSD        decimal.Decimal `json:"total_loss_usd"`
	Cases               []Candidate     `json:"cases"`
	BundleReason        string          `json:"bundle_reason"`
	CrossBorder         bool            `json:"cross_border"`
	SharedDriveParentID string          `json:"shared_drive_parent_id,omitempty"`
}

// EntitySet is an ordered set of entity identifiers. Order of first
// appearance is kept and duplicates are dropped.
type EntitySet []string

// NewEntitySet builds an EntitySet from values, dropping blanks and repeats
func NewEntitySet(values ...string) EntitySet {
	seen := make(map[string]struct{}, len(values))
	out := make(EntitySet, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// UnmarshalJSON decodes a JSON array and normalizes it into a set
func (s *EntitySet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewEntitySet(values...)
	return nil
}

// QueueEntry is the persisted lifecycle record for a plan
type QueueEntry struct {
	PlanID         string      `json:"plan_id"`
	Status         QueueStatus `json:"status"`
	QueuedAt       time.Time   `json:"queued_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Warnings       []string    `json:"warnings"`
	Error          string      `json:"error,omitempty"`
	LeaseID        string      `json:"lease_id,omitempty"`
	LeasedAt       *time.Time  `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	Payload        Plan        `json:"payload"`
}

// GenerationResult describes the artifacts produced for one plan
type GenerationResult struct {
	PlanID    string   `json:"plan_id"`
	Artifacts []string `json:"artifacts"`
	Warnings  []string `json:"warnings"`
}

// PlanOutcome is the per-plan line of a processing summary
type PlanOutcome struct {
	PlanID    string   `json:"plan_id"`
	Status    string   `json:"status"`
	Artifacts []string `json:"artifacts"`
	Warnings  []string `json:"warnings"`
	Error     string   `json:"error,omitempty"`
}

// Summary reports the outcome of one processing batch
type Summary struct {
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	DryRun    bool          `json:"dry_run"`
	Plans     []PlanOutcome `json:"plans"`
}

// ValidatePlanID rejects ids that cannot safely name files under the
// artifact root.
func ValidatePlanID(planID string) error {
	if strings.TrimSpace(planID) == "" {
		return fmt.Errorf("plan_id is required")
	}
	if strings.ContainsAny(planID, `/\`) || planID == "." || planID == ".." {
		return fmt.Errorf("plan_id %q contains a path separator", planID)
	}
	return nil
}

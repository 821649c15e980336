package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/i4g/dossiers/pkg/analysis"
)

// Built-in tool names.
const (
	GeoReasonerName         = "geo_reasoner"
	TimelineSynthesizerName = "timeline_synthesizer"
	EntityGraphName         = "entity_graph"
	ChartRendererName       = "chart_renderer"
	NarrativeReportName     = "narrative_report"
)

// DefaultTools returns the built-in tools in run order.
func DefaultTools() []Tool {
	return []Tool{
		Func{ToolName: GeoReasonerName, Fn: geoReasoner},
		Func{ToolName: TimelineSynthesizerName, Fn: timelineSynthesizer},
		Func{ToolName: EntityGraphName, Fn: entityGraph},
		Func{ToolName: ChartRendererName, Fn: chartRenderer},
		Func{ToolName: NarrativeReportName, Fn: narrativeReport},
	}
}

func encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func geoReasoner(_ context.Context, in Input) (string, error) {
	counts := map[string]int{}
	crossBorder := []string{}
	for _, c := range in.Plan.Cases {
		j := c.Jurisdiction
		if j == "" {
			j = "unknown"
		}
		counts[j]++
		if c.CrossBorder {
			crossBorder = append(crossBorder, c.CaseID)
		}
	}

	ranked := analysis.RankEntities(counts, 5)
	regions := make([]string, 0, len(ranked))
	for _, r := range ranked {
		regions = append(regions, r.Entity)
	}

	warnings := []string{}
	if len(in.Plan.Cases) == 0 {
		warnings = append(warnings, "No cases available for geographic reasoning")
	}
	if in.Plan.CrossBorder && len(crossBorder) == 0 && len(counts) < 2 {
		warnings = append(warnings, "Plan is marked cross-border but no case shows cross-border activity")
	}

	return encode(map[string]interface{}{
		"jurisdiction_counts": counts,
		"primary_regions":     regions,
		"cross_border_cases":  crossBorder,
		"warnings":            warnings,
	})
}

type timelineEvent struct {
	CaseID        string          `json:"case_id"`
	AcceptedAt    time.Time       `json:"accepted_at"`
	LossAmountUSD decimal.Decimal `json:"loss_amount_usd"`
	Jurisdiction  string          `json:"jurisdiction"`
}

func timelineSynthesizer(_ context.Context, in Input) (string, error) {
	events := []timelineEvent{}
	for _, c := range in.Plan.Cases {
		if c.AcceptedAt.IsZero() {
			continue
		}
		events = append(events, timelineEvent{
			CaseID:        c.CaseID,
			AcceptedAt:    c.AcceptedAt,
			LossAmountUSD: c.LossAmountUSD,
			Jurisdiction:  c.Jurisdiction,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].AcceptedAt.Before(events[j].AcceptedAt)
	})

	warnings := []string{}
	spanDays := 0
	if len(events) == 0 {
		warnings = append(warnings, "No accepted cases were available for the timeline")
	} else {
		spanDays = int(events[len(events)-1].AcceptedAt.Sub(events[0].AcceptedAt).Hours() / 24)
	}

	return encode(map[string]interface{}{
		"events":    events,
		"span_days": spanDays,
		"warnings":  warnings,
	})
}

func entityGraph(_ context.Context, in Input) (string, error) {
	entities := map[string][]string{}
	counts := map[string]int{}
	for _, c := range in.Plan.Cases {
		for _, e := range c.PrimaryEntities {
			entities[e] = append(entities[e], c.CaseID)
			counts[e]++
		}
	}
	return encode(map[string]interface{}{
		"entity_count": len(entities),
		"entities":     entities,
		"top_clusters": analysis.RankEntities(counts, 5),
	})
}

func chartRenderer(_ context.Context, in Input) (string, error) {
	warnings := []string{}
	out := map[string]interface{}{}
	if in.Assets == nil {
		warnings = append(warnings, "No visual assets were rendered")
		out["warnings"] = warnings
		return encode(out)
	}

	for _, asset := range []struct{ key, path, label string }{
		{"timeline_chart", in.Assets.TimelineChart, "Timeline chart"},
		{"geo_map_image", in.Assets.GeoMapImage, "Geo map image"},
		{"geojson", in.Assets.GeoJSON, "GeoJSON layer"},
	} {
		if asset.path == "" {
			warnings = append(warnings, asset.label+" unavailable")
			continue
		}
		out[asset.key] = relativeTo(in.AssetBase, asset.path)
	}
	out["warnings"] = warnings
	return encode(out)
}

func relativeTo(base, path string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func narrativeReport(_ context.Context, in Input) (string, error) {
	plan := in.Plan
	a := in.Analysis

	summary := fmt.Sprintf(
		"Dossier %s bundles %d case(s) totaling $%s USD across %d jurisdiction(s).",
		plan.PlanID, len(plan.Cases), plan.TotalLossUSD.StringFixed(2), len(a.JurisdictionCounts),
	)
	if plan.BundleReason != "" {
		summary += " Bundle reason: " + plan.BundleReason + "."
	}

	highlights := []string{}
	if a.LargestCaseID != "" {
		highlights = append(highlights, "Largest reported loss: case "+a.LargestCaseID)
	}
	if a.CrossBorderCount > 0 {
		highlights = append(highlights, fmt.Sprintf("%d case(s) show cross-border activity", a.CrossBorderCount))
	}
	if len(a.TopEntities) > 0 {
		top := a.TopEntities[0]
		highlights = append(highlights, fmt.Sprintf("Most referenced entity: %s (%d case(s))", top.Entity, top.Count))
	}
	if !a.TotalsAgree && len(plan.Cases) > 0 {
		highlights = append(highlights, fmt.Sprintf(
			"Declared total $%s differs from case sum $%s",
			a.DeclaredTotalLossUSD.StringFixed(2), a.ComputedTotalLossUSD.StringFixed(2),
		))
	}
	if in.Context != nil {
		highlights = append(highlights, fmt.Sprintf("%d case record(s) loaded for context", len(in.Context.Cases)))
	}

	return encode(map[string]interface{}{
		"summary":    summary,
		"highlights": highlights,
	})
}

package visuals

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/shopspring/decimal"

	"github.com/i4g/dossiers/pkg/types"
)

func TestLocate(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"US-CA", true},
		{" us-ca ", true},
		{"GB-ENG", true},
		{"ZZ", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, ok := Locate(tt.key); ok != tt.ok {
			t.Errorf("Locate(%q) ok = %v, want %v", tt.key, ok, tt.ok)
		}
	}
}

func TestBuildWritesGeoJSON(t *testing.T) {
	dir := t.TempDir()
	plan := types.SamplePlan("dossier-us-ca-001", "")
	other := plan.Cases[0]
	other.CaseID = "case-2"
	other.Jurisdiction = "Atlantis"
	other.LossAmountUSD = decimal.NewFromInt(5000)
	plan.Cases = append(plan.Cases, other)

	assets, err := NewBuilder(dir, nil).Build(context.Background(), plan)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if assets.GeoJSON != filepath.Join(dir, "dossier-us-ca-001_geo.geojson") {
		t.Fatalf("GeoJSON = %q", assets.GeoJSON)
	}
	raw, err := os.ReadFile(assets.GeoJSON)
	if err != nil {
		t.Fatal(err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		t.Fatalf("decode geojson: %v", err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties.MustString("jurisdiction") != "US-CA" {
		t.Errorf("features = %+v", fc.Features)
	}

	found := false
	for _, w := range assets.Warnings {
		if w == "No coordinates for jurisdiction Atlantis" {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v", assets.Warnings)
	}
	for _, p := range []string{assets.TimelineChart, assets.GeoMapImage} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("asset %s reported but not on disk: %v", p, err)
		}
	}
}

func TestBuildWithoutCases(t *testing.T) {
	assets, err := NewBuilder(t.TempDir(), nil).Build(context.Background(), types.Plan{PlanID: "empty"})
	if err != nil {
		t.Fatal(err)
	}
	if assets.GeoJSON != "" || len(assets.Warnings) != 1 {
		t.Errorf("assets = %+v", assets)
	}
}

func TestAssetsRelative(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "srv", "dossiers")
	a := Assets{
		TimelineChart: filepath.Join(base, "p_timeline.png"),
		GeoJSON:       filepath.Join(string(filepath.Separator), "elsewhere", "p_geo.geojson"),
	}
	rel := a.Relative(base)
	if rel.TimelineChart != "p_timeline.png" {
		t.Errorf("TimelineChart = %q", rel.TimelineChart)
	}
	if !strings.HasSuffix(rel.GeoJSON, "p_geo.geojson") || !filepath.IsAbs(rel.GeoJSON) {
		t.Errorf("GeoJSON = %q, want absolute outside base", rel.GeoJSON)
	}
}

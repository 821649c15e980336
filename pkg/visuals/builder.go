package visuals

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/wcharczuk/go-chart/v2"

	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/types"
)

// Assets are the visual files rendered for one plan. Paths are absolute;
// an empty path means the asset was not produced.
type Assets struct {
	TimelineChart string   `json:"timeline_chart,omitempty"`
	GeoMapImage   string   `json:"geo_map_image,omitempty"`
	GeoJSON       string   `json:"geojson,omitempty"`
	Warnings      []string `json:"warnings"`
}

// Relative returns a copy of a with paths made relative to base where possible.
func (a Assets) Relative(base string) Assets {
	rel := func(p string) string {
		if p == "" || base == "" {
			return p
		}
		if r, err := filepath.Rel(base, p); err == nil && !filepath.IsAbs(r) && r != ".." && !hasParentPrefix(r) {
			return filepath.ToSlash(r)
		}
		return p
	}
	out := a
	out.TimelineChart = rel(a.TimelineChart)
	out.GeoMapImage = rel(a.GeoMapImage)
	out.GeoJSON = rel(a.GeoJSON)
	out.Warnings = append([]string{}, a.Warnings...)
	return out
}

func hasParentPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// Builder renders charts and geo assets into Dir as <plan_id>_*.
type Builder struct {
	Dir    string
	logger *slog.Logger
}

// NewBuilder creates a Builder writing to dir
func NewBuilder(dir string, logger *slog.Logger) *Builder {
	return &Builder{Dir: dir, logger: logging.OrDefault(logger)}
}

// Build renders every asset it can. Individual render failures become
// warnings; the error return is reserved for an unusable output directory.
func (b *Builder) Build(ctx context.Context, plan types.Plan) (Assets, error) {
	assets := Assets{Warnings: []string{}}
	if len(plan.Cases) == 0 {
		assets.Warnings = append(assets.Warnings, "No cases available for visual assets")
		return assets, nil
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return Assets{}, fmt.Errorf("create asset directory: %w", err)
	}

	timelinePath := filepath.Join(b.Dir, plan.PlanID+"_timeline.png")
	if err := renderTimeline(timelinePath, plan.Cases); err != nil {
		assets.Warnings = append(assets.Warnings, fmt.Sprintf("Timeline chart failed: %v", err))
	} else {
		assets.TimelineChart = timelinePath
	}

	if err := ctx.Err(); err != nil {
		return assets, err
	}

	points, unknown := locateCases(plan.Cases)
	for _, j := range unknown {
		assets.Warnings = append(assets.Warnings, fmt.Sprintf("No coordinates for jurisdiction %s", j))
	}

	geojsonPath := filepath.Join(b.Dir, plan.PlanID+"_geo.geojson")
	if err := writeGeoJSON(geojsonPath, points); err != nil {
		assets.Warnings = append(assets.Warnings, fmt.Sprintf("GeoJSON export failed: %v", err))
	} else {
		assets.GeoJSON = geojsonPath
	}

	if len(points) == 0 {
		assets.Warnings = append(assets.Warnings, "Geo map skipped: no locatable jurisdictions")
	} else {
		mapPath := filepath.Join(b.Dir, plan.PlanID+"_geo.png")
		if err := renderGeoMap(mapPath, points); err != nil {
			assets.Warnings = append(assets.Warnings, fmt.Sprintf("Geo map failed: %v", err))
		} else {
			assets.GeoMapImage = mapPath
		}
	}

	b.logger.Debug("visual assets rendered", "plan_id", plan.PlanID, "warnings", len(assets.Warnings))
	return assets, nil
}

type casePoint struct {
	Jurisdiction string
	Lon, Lat     float64
	CaseIDs      []string
	LossUSD      float64
}

// locateCases groups cases per jurisdiction and resolves coordinates.
func locateCases(cases []types.Candidate) ([]casePoint, []string) {
	byJurisdiction := map[string]*casePoint{}
	var order []string
	var unknown []string
	seenUnknown := map[string]bool{}
	for _, c := range cases {
		p, ok := Locate(c.Jurisdiction)
		if !ok {
			if !seenUnknown[c.Jurisdiction] {
				seenUnknown[c.Jurisdiction] = true
				unknown = append(unknown, c.Jurisdiction)
			}
			continue
		}
		cp, exists := byJurisdiction[c.Jurisdiction]
		if !exists {
			cp = &casePoint{Jurisdiction: c.Jurisdiction, Lon: p.Lon(), Lat: p.Lat()}
			byJurisdiction[c.Jurisdiction] = cp
			order = append(order, c.Jurisdiction)
		}
		cp.CaseIDs = append(cp.CaseIDs, c.CaseID)
		cp.LossUSD += c.LossAmountUSD.InexactFloat64()
	}
	points := make([]casePoint, 0, len(order))
	for _, j := range order {
		points = append(points, *byJurisdiction[j])
	}
	return points, unknown
}

func writeGeoJSON(path string, points []casePoint) error {
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.Properties["jurisdiction"] = p.Jurisdiction
		f.Properties["case_ids"] = p.CaseIDs
		f.Properties["case_count"] = len(p.CaseIDs)
		f.Properties["loss_amount_usd"] = p.LossUSD
		fc.Append(f)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func renderTimeline(path string, cases []types.Candidate) error {
	sorted := append([]types.Candidate{}, cases...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AcceptedAt.Before(sorted[j].AcceptedAt)
	})

	bars := make([]chart.Value, 0, len(sorted))
	maxLoss := 0.0
	for _, c := range sorted {
		loss := c.LossAmountUSD.InexactFloat64()
		if loss > maxLoss {
			maxLoss = loss
		}
		label := c.CaseID
		if !c.AcceptedAt.IsZero() {
			label = c.AcceptedAt.Format("2006-01-02") + " " + c.CaseID
		}
		bars = append(bars, chart.Value{Value: loss, Label: label})
	}
	if maxLoss <= 0 {
		maxLoss = 1
	}

	const barWidth, barSpacing = 60, 40
	width := len(bars)*(barWidth+barSpacing) + 200
	if width < 1024 {
		width = 1024
	}
	graph := chart.BarChart{
		Title:      "Reported loss by accepted case (USD)",
		Background: chart.Style{Padding: chart.Box{Top: 40}},
		Width:      width,
		Height:     512,
		BarWidth:   barWidth,
		BarSpacing: barSpacing,
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: maxLoss * 1.1},
		},
		Bars: bars,
	}
	return renderPNG(path, graph.Render)
}

func renderGeoMap(path string, points []casePoint) error {
	xs := make([]float64, 0, len(points))
	ys := make([]float64, 0, len(points))
	for _, p := range points {
		xs = append(xs, p.Lon)
		ys = append(ys, p.Lat)
	}
	graph := chart.Chart{
		Title:  "Case jurisdictions",
		Width:  1024,
		Height: 512,
		XAxis:  chart.XAxis{Name: "Longitude", Range: &chart.ContinuousRange{Min: -180, Max: 180}},
		YAxis:  chart.YAxis{Name: "Latitude", Range: &chart.ContinuousRange{Min: -90, Max: 90}},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name: "jurisdictions",
				Style: chart.Style{
					StrokeWidth: chart.Disabled,
					DotWidth:    6,
				},
				XValues: xs,
				YValues: ys,
			},
		},
	}
	return renderPNG(path, graph.Render)
}

func renderPNG(path string, render func(chart.RendererProvider, io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(chart.PNG, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

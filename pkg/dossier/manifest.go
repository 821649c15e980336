package dossier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/casecontext"
	"github.com/i4g/dossiers/pkg/exports"
	"github.com/i4g/dossiers/pkg/templates"
	"github.com/i4g/dossiers/pkg/tools"
	"github.com/i4g/dossiers/pkg/types"
	"github.com/i4g/dossiers/pkg/visuals"
)

// Signature labels used for the artifacts of one dossier.
const (
	LabelManifest       = "manifest"
	LabelMarkdown       = "markdown_report"
	LabelPDF            = "pdf_report"
	LabelHTML           = "html_report"
	LabelXLSX           = "xlsx_ledger"
	LabelTimelineChart  = "timeline_chart"
	LabelGeoMapImage    = "geo_map_image"
	LabelGeoJSON        = "geojson"
	signaturesExtension = ".signatures.json"
)

// SignatureRef points from the plan manifest to its signature manifest.
type SignatureRef struct {
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
}

// Manifest is the <plan_id>.json document. Paths inside it are relative to
// the artifact root when the file lies under it.
type Manifest struct {
	PlanID            string              `json:"plan_id"`
	GeneratedAt       time.Time           `json:"generated_at"`
	CaseCount         int                 `json:"case_count"`
	Plan              types.Plan          `json:"plan"`
	Analysis          analysis.Analysis   `json:"analysis"`
	Context           *casecontext.Result `json:"context"`
	Assets            *visuals.Assets     `json:"assets"`
	Tools             *tools.Results      `json:"tools"`
	TemplateRender    *templates.Result   `json:"template_render"`
	Exports           *exports.Artifacts  `json:"exports"`
	SignatureManifest SignatureRef        `json:"signature_manifest"`
	AgentPayload      AgentPayload        `json:"agent_payload"`
}

// ManifestPath returns <root>/<plan_id>.json.
func ManifestPath(root, planID string) string {
	return filepath.Join(root, planID+".json")
}

// SignaturePath returns <root>/<plan_id>.signatures.json.
func SignaturePath(root, planID string) string {
	return filepath.Join(root, planID+signaturesExtension)
}

// PlanIDFromSignaturePath recovers the plan id from a signature manifest file name.
func PlanIDFromSignaturePath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, signaturesExtension) {
		return "", false
	}
	return strings.TrimSuffix(base, signaturesExtension), true
}

// LoadManifest reads a plan manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

// relativeTo reports p relative to root when p lies under it, absolute otherwise.
func relativeTo(root, p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return filepath.ToSlash(rel)
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

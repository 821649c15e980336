// Package catalog is the read side of the dossier pipeline: it joins queue
// entries with the manifests written under the artifact root.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/i4g/dossiers/pkg/dossier"
	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/types"
)

// Listing limits and the status filter meaning every status.
const (
	DefaultLimit = 20
	MaxLimit     = 200
	StatusAll    = "all"
)

// Downloadable artifact names accepted by ArtifactPath.
const (
	ArtifactManifest          = "manifest"
	ArtifactMarkdown          = "markdown"
	ArtifactPDF               = "pdf"
	ArtifactHTML              = "html"
	ArtifactXLSX              = "xlsx"
	ArtifactSignatureManifest = "signature_manifest"
)

// ListOptions filters ListDossiers.
type ListOptions struct {
	// Status is a queue status or "all"; empty means completed.
	Status          string
	Limit           int
	IncludeManifest bool
}

// LocalDownloads are absolute paths of the files on disk.
type LocalDownloads struct {
	Manifest          string `json:"manifest,omitempty"`
	Markdown          string `json:"markdown,omitempty"`
	PDF               string `json:"pdf,omitempty"`
	HTML              string `json:"html,omitempty"`
	XLSX              string `json:"xlsx,omitempty"`
	SignatureManifest string `json:"signature_manifest,omitempty"`
}

// Downloads lists local files and remote copies of a dossier.
type Downloads struct {
	Local  LocalDownloads                         `json:"local"`
	Remote []signatures.UploadedArtifactSignature `json:"remote"`
}

// Record is one dossier as the catalog reports it.
type Record struct {
	PlanID                string                        `json:"plan_id"`
	Status                types.QueueStatus             `json:"status"`
	QueuedAt              time.Time                     `json:"queued_at"`
	UpdatedAt             time.Time                     `json:"updated_at"`
	Warnings              []string                      `json:"warnings"`
	Error                 string                        `json:"error,omitempty"`
	Payload               types.Plan                    `json:"payload"`
	ManifestPath          string                        `json:"manifest_path,omitempty"`
	Manifest              *dossier.Manifest             `json:"manifest,omitempty"`
	SignatureManifestPath string                        `json:"signature_manifest_path,omitempty"`
	SignatureManifest     *signatures.SignatureManifest `json:"signature_manifest,omitempty"`
	ArtifactWarnings      []string                      `json:"artifact_warnings"`
	Downloads             Downloads                     `json:"downloads"`
}

// Listing is the ListDossiers result.
type Listing struct {
	Count int      `json:"count"`
	Items []Record `json:"items"`
}

// Catalog reads dossiers from a queue store and the artifact root.
type Catalog struct {
	store  queue.Store
	root   string
	logger *slog.Logger
}

// New creates a Catalog over root.
func New(store queue.Store, root string, logger *slog.Logger) (*Catalog, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	return &Catalog{store: store, root: abs, logger: logging.OrDefault(logger)}, nil
}

// Root returns the absolute artifact root.
func (c *Catalog) Root() string { return c.root }

// ListDossiers returns queue entries joined with their manifests.
func (c *Catalog) ListDossiers(ctx context.Context, opts ListOptions) (Listing, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return Listing{}, dserr.Newf(dserr.CodeInvalidInput, "limit must be between 1 and %d", MaxLimit)
	}
	filter := strings.ToLower(strings.TrimSpace(opts.Status))
	var status types.QueueStatus
	switch filter {
	case "":
		status = types.QueueStatusCompleted
	case StatusAll:
	default:
		status = types.QueueStatus(filter)
	}

	entries, err := c.store.ListPlans(ctx, status, limit)
	if err != nil {
		return Listing{}, err
	}
	items := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec := c.details(e.PlanID, opts.IncludeManifest)
		rec.Status = e.Status
		rec.QueuedAt = e.QueuedAt
		rec.UpdatedAt = e.UpdatedAt
		rec.Warnings = e.Warnings
		rec.Error = e.Error
		rec.Payload = e.Payload
		items = append(items, rec)
	}
	return Listing{Count: len(items), Items: items}, nil
}

// Details loads what is on disk for planID without consulting the queue.
func (c *Catalog) Details(planID string, includeManifest bool) (Record, error) {
	if err := types.ValidatePlanID(planID); err != nil {
		return Record{}, dserr.Wrap(err, dserr.CodeInvalidInput, "dossier details")
	}
	return c.details(planID, includeManifest), nil
}

func (c *Catalog) details(planID string, includeManifest bool) Record {
	rec := Record{
		PlanID:           planID,
		Warnings:         []string{},
		ArtifactWarnings: []string{},
		Downloads:        Downloads{Remote: []signatures.UploadedArtifactSignature{}},
	}

	manifestPath := dossier.ManifestPath(c.root, planID)
	var manifest *dossier.Manifest
	if _, err := os.Stat(manifestPath); err != nil {
		rec.ArtifactWarnings = append(rec.ArtifactWarnings, fmt.Sprintf("Manifest missing for plan %s at %s", planID, manifestPath))
	} else if m, err := dossier.LoadManifest(manifestPath); err != nil {
		rec.ManifestPath = manifestPath
		rec.ArtifactWarnings = append(rec.ArtifactWarnings, fmt.Sprintf("Failed to parse manifest %s: %v", manifestPath, err))
	} else {
		rec.ManifestPath = manifestPath
		manifest = &m
		if includeManifest {
			rec.Manifest = manifest
		}
	}

	sigPath := dossier.SignaturePath(c.root, planID)
	if manifest != nil && manifest.SignatureManifest.Path != "" {
		sigPath = c.resolve(manifest.SignatureManifest.Path)
	}
	rec.SignatureManifestPath = sigPath
	if sm, err := signatures.Load(sigPath); err != nil {
		rec.ArtifactWarnings = append(rec.ArtifactWarnings, fmt.Sprintf("Signature manifest missing or invalid at %s", sigPath))
	} else {
		rec.SignatureManifest = &sm
		rec.Downloads.Local.SignatureManifest = sigPath
		rec.Downloads.Remote = append(rec.Downloads.Remote, sm.Uploads...)
	}

	if rec.ManifestPath != "" && manifest != nil {
		rec.Downloads.Local.Manifest = manifestPath
		if manifest.TemplateRender != nil {
			rec.Downloads.Local.Markdown = c.resolve(manifest.TemplateRender.Path)
		}
		if manifest.Exports != nil {
			rec.Downloads.Local.PDF = c.resolve(manifest.Exports.PDFPath)
			rec.Downloads.Local.HTML = c.resolve(manifest.Exports.HTMLPath)
			rec.Downloads.Local.XLSX = c.resolve(manifest.Exports.XLSXPath)
		}
	}
	return rec
}

// resolve joins a manifest-relative path onto the root.
func (c *Catalog) resolve(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.root, p)
}

func (c *Catalog) withinRoot(p string) bool {
	rel, err := filepath.Rel(c.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// SignatureManifest returns the signature manifest of planID.
func (c *Catalog) SignatureManifest(ctx context.Context, planID string) (signatures.SignatureManifest, error) {
	rec, err := c.Details(planID, false)
	if err != nil {
		return signatures.SignatureManifest{}, err
	}
	if rec.SignatureManifest == nil {
		return signatures.SignatureManifest{}, dserr.Newf(dserr.CodeResourceNotFound, "signature manifest unavailable for plan %s", planID)
	}
	return *rec.SignatureManifest, nil
}

// Verify re-hashes every artifact of planID. Stored relative paths resolve
// against the signature manifest's directory only, never the process
// working directory.
func (c *Catalog) Verify(ctx context.Context, planID string) (signatures.Report, error) {
	rec, err := c.Details(planID, false)
	if err != nil {
		return signatures.Report{}, err
	}
	if rec.SignatureManifest == nil {
		return signatures.Report{}, dserr.Newf(dserr.CodeResourceNotFound, "signature manifest unavailable for plan %s", planID)
	}
	report := signatures.VerifyWithOptions(*rec.SignatureManifest, signatures.VerifyOptions{
		BasePath: filepath.Dir(rec.SignatureManifestPath),
		RootOnly: true,
	})
	c.logger.Info("dossier verified", "plan_id", planID,
		"all_verified", report.AllVerified, "missing", report.MissingCount, "mismatch", report.MismatchCount)
	return report, nil
}

// ArtifactPath resolves a downloadable file of planID. Paths outside the
// artifact root are refused.
func (c *Catalog) ArtifactPath(planID, artifact string) (string, error) {
	rec, err := c.Details(planID, false)
	if err != nil {
		return "", err
	}
	local := rec.Downloads.Local
	var p string
	switch artifact {
	case ArtifactManifest:
		p = local.Manifest
	case ArtifactMarkdown:
		p = local.Markdown
	case ArtifactPDF:
		p = local.PDF
	case ArtifactHTML:
		p = local.HTML
	case ArtifactXLSX:
		p = local.XLSX
	case ArtifactSignatureManifest:
		p = local.SignatureManifest
	default:
		return "", dserr.Newf(dserr.CodeInvalidInput, "unknown artifact %q", artifact)
	}
	if p == "" {
		return "", dserr.Newf(dserr.CodeResourceNotFound, "%s unavailable for plan %s", artifact, planID)
	}
	if !c.withinRoot(p) {
		return "", dserr.Newf(dserr.CodeInvalidInput, "%s for plan %s lies outside the artifact root", artifact, planID)
	}
	if info, err := os.Stat(p); err != nil || info.IsDir() {
		return "", dserr.Newf(dserr.CodeResourceNotFound, "%s missing on disk for plan %s", artifact, planID)
	}
	return p, nil
}

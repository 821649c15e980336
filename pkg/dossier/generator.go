package dossier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/casecontext"
	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/exports"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/templates"
	"github.com/i4g/dossiers/pkg/tools"
	"github.com/i4g/dossiers/pkg/types"
	"github.com/i4g/dossiers/pkg/uploads"
	"github.com/i4g/dossiers/pkg/visuals"
)

// ContextLoader produces case context for a plan.
type ContextLoader interface {
	Load(ctx context.Context, plan types.Plan) (casecontext.Result, error)
}

// VisualBuilder renders chart and map assets.
type VisualBuilder interface {
	Build(ctx context.Context, plan types.Plan) (visuals.Assets, error)
}

// ToolRunner runs the analysis tools.
type ToolRunner interface {
	Run(ctx context.Context, in tools.Input) tools.Results
}

// TemplateRenderer writes the markdown report.
type TemplateRenderer interface {
	Render(ctx context.Context, req templates.Request) (templates.Result, error)
}

// Exporter converts markdown into distributable formats.
type Exporter interface {
	Export(ctx context.Context, req exports.Request) (exports.Artifacts, error)
}

// Producers are the optional generation stages. A nil producer skips its
// stage and records null in the plan manifest.
type Producers struct {
	Context   ContextLoader
	Visuals   VisualBuilder
	Tools     ToolRunner
	Templates TemplateRenderer
	Exporter  Exporter
}

// Config is the generator's slice of the service configuration.
type Config struct {
	ArtifactRoot  string
	HashAlgorithm string
	Template      string
	Now           func() time.Time
}

// Generator turns a plan into a signed dossier under the artifact root.
type Generator struct {
	root      string
	algorithm string
	template  string
	now       func() time.Time
	producers Producers
	uploader  uploads.Uploader
	logger    *slog.Logger
}

// NewGenerator validates cfg and creates the artifact root. uploader may be nil.
func NewGenerator(cfg Config, producers Producers, uploader uploads.Uploader, logger *slog.Logger) (*Generator, error) {
	if cfg.ArtifactRoot == "" {
		return nil, dserr.New(dserr.CodeMissingRequired, "artifact root is required")
	}
	alg := cfg.HashAlgorithm
	if alg == "" {
		alg = signatures.DefaultAlgorithm
	}
	if !signatures.Supported(alg) {
		return nil, dserr.Newf(dserr.CodeUnsupportedHash, "unsupported hash algorithm: %s", alg)
	}
	root, err := filepath.Abs(cfg.ArtifactRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Generator{
		root:      root,
		algorithm: alg,
		template:  cfg.Template,
		now:       now,
		producers: producers,
		uploader:  uploader,
		logger:    logging.OrDefault(logger),
	}, nil
}

// Root returns the absolute artifact root.
func (g *Generator) Root() string { return g.root }

// Generate runs every stage for plan. Only an invalid plan id or a failure
// to persist a manifest is returned as an error; every other problem ends
// up in the result's warnings.
func (g *Generator) Generate(ctx context.Context, plan types.Plan) (types.GenerationResult, error) {
	if err := types.ValidatePlanID(plan.PlanID); err != nil {
		return types.GenerationResult{}, dserr.Wrap(err, dserr.CodeInvalidInput, "invalid plan")
	}
	if err := ctx.Err(); err != nil {
		return types.GenerationResult{}, err
	}

	log := g.logger.With("plan_id", plan.PlanID)
	generatedAt := g.now()
	warnings := []string{}

	an := analysis.Analyze(plan)

	var caseCtx *casecontext.Result
	if g.producers.Context != nil {
		res, err := g.producers.Context.Load(ctx, plan)
		if err != nil {
			log.Warn("context load failed", "error", err)
			warnings = append(warnings, fmt.Sprintf("Context load failed: %v", err))
			res = casecontext.Result{Cases: []casecontext.CaseRecord{}, Missing: []string{}, Warnings: []string{}}
		}
		caseCtx = &res
		warnings = append(warnings, res.Warnings...)
	}

	var assets *visuals.Assets
	if g.producers.Visuals != nil {
		res, err := g.producers.Visuals.Build(ctx, plan)
		if err != nil {
			log.Warn("visual build failed", "error", err)
			warnings = append(warnings, fmt.Sprintf("Visual build failed: %v", err))
		} else {
			assets = &res
			warnings = append(warnings, res.Warnings...)
		}
	}

	var toolResults *tools.Results
	if g.producers.Tools != nil {
		res := g.producers.Tools.Run(ctx, tools.Input{
			Plan:      plan,
			Context:   caseCtx,
			Analysis:  an,
			Assets:    assets,
			AssetBase: g.root,
		})
		toolResults = &res
		warnings = append(warnings, res.Warnings...)
	}

	markdownPath := filepath.Join(g.root, plan.PlanID+".md")
	var rendered *templates.Result
	if g.producers.Templates != nil {
		res, err := g.producers.Templates.Render(ctx, templates.Request{
			Destination: markdownPath,
			Template:    g.template,
			GeneratedAt: generatedAt,
			Plan:        plan,
			Analysis:    an,
			Context:     caseCtx,
			Tools:       toolResults,
			Assets:      assets,
			AssetBase:   g.root,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Template render failed: %v", err))
		} else {
			rendered = &res
			warnings = append(warnings, res.Warnings...)
		}
	}

	var exported *exports.Artifacts
	if g.producers.Exporter != nil && rendered != nil && rendered.Markdown != "" {
		planCopy := plan
		res, err := g.producers.Exporter.Export(ctx, exports.Request{
			Markdown: rendered.Markdown,
			BaseName: plan.PlanID,
			Plan:     &planCopy,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Export failed: %v", err))
		} else {
			exported = &res
			warnings = append(warnings, res.Warnings...)
		}
	}

	manifestPath := ManifestPath(g.root, plan.PlanID)
	signaturePath := SignaturePath(g.root, plan.PlanID)

	manifest := Manifest{
		PlanID:            plan.PlanID,
		GeneratedAt:       generatedAt,
		CaseCount:         len(plan.Cases),
		Plan:              plan,
		Analysis:          an,
		Context:           caseCtx,
		Tools:             toolResults,
		SignatureManifest: SignatureRef{Path: relativeTo(g.root, signaturePath), Algorithm: g.algorithm},
		AgentPayload:      BuildAgentPayload(plan, an, caseCtx),
	}
	if assets != nil {
		rel := assets.Relative(g.root)
		manifest.Assets = &rel
	}
	if rendered != nil {
		view := *rendered
		view.Path = relativeTo(g.root, view.Path)
		manifest.TemplateRender = &view
	}
	if exported != nil {
		view := *exported
		view.PDFPath = relativeTo(g.root, view.PDFPath)
		view.HTMLPath = relativeTo(g.root, view.HTMLPath)
		view.XLSXPath = relativeTo(g.root, view.XLSXPath)
		manifest.Exports = &view
	}
	if err := signatures.WriteJSON(manifestPath, manifest); err != nil {
		return types.GenerationResult{}, dserr.Wrap(err, dserr.CodeManifestWrite, "write plan manifest")
	}

	entries := []signatures.Entry{{Label: LabelManifest, Path: manifestPath}}
	if rendered != nil && exists(rendered.Path) {
		entries = append(entries, signatures.Entry{Label: LabelMarkdown, Path: rendered.Path})
	}
	if exported != nil {
		for _, e := range []signatures.Entry{
			{Label: LabelPDF, Path: exported.PDFPath},
			{Label: LabelHTML, Path: exported.HTMLPath},
			{Label: LabelXLSX, Path: exported.XLSXPath},
		} {
			if exists(e.Path) {
				entries = append(entries, e)
			}
		}
	}
	if assets != nil {
		entries = append(entries,
			signatures.Entry{Label: LabelTimelineChart, Path: assets.TimelineChart},
			signatures.Entry{Label: LabelGeoMapImage, Path: assets.GeoMapImage},
			signatures.Entry{Label: LabelGeoJSON, Path: assets.GeoJSON},
		)
	}

	sigManifest, err := signatures.Generate(entries, signatures.GenerateOptions{
		Algorithm:   g.algorithm,
		GeneratedAt: generatedAt,
		RelativeTo:  g.root,
	})
	if err != nil {
		return types.GenerationResult{}, dserr.Wrap(err, dserr.CodeManifestWrite, "sign artifacts")
	}
	if err := signatures.Write(signaturePath, sigManifest); err != nil {
		return types.GenerationResult{}, dserr.Wrap(err, dserr.CodeManifestWrite, "write signature manifest")
	}
	warnings = append(warnings, sigManifest.Warnings...)

	if g.uploader != nil {
		uploadEntries := make([]signatures.Entry, 0, len(entries)+1)
		for _, e := range entries {
			if e.Path != "" {
				uploadEntries = append(uploadEntries, e)
			}
		}
		uploadEntries = append(uploadEntries, signatures.Entry{Label: signatures.ManifestLabel, Path: signaturePath})

		rows, uploadWarnings, err := g.uploader.Upload(ctx, uploadEntries, plan)
		if err != nil {
			log.Warn("upload step failed", "error", err)
			warnings = append(warnings, fmt.Sprintf("Upload step failed: %v", err))
		}
		if len(rows) > 0 {
			uploaded, rowWarnings := signatures.BuildUploadedSignatures(rows, g.algorithm)
			sigManifest = signatures.WithUploads(sigManifest, uploaded, rowWarnings)
			if err := signatures.Write(signaturePath, sigManifest); err != nil {
				return types.GenerationResult{}, dserr.Wrap(err, dserr.CodeManifestWrite, "rewrite signature manifest")
			}
			warnings = append(warnings, rowWarnings...)
		}
		warnings = append(warnings, uploadWarnings...)
	}

	artifacts := []string{manifestPath, signaturePath}
	if rendered != nil && rendered.Path != "" {
		artifacts = append(artifacts, rendered.Path)
	}
	if exported != nil {
		for _, p := range []string{exported.PDFPath, exported.HTMLPath, exported.XLSXPath} {
			if p != "" {
				artifacts = append(artifacts, p)
			}
		}
	}

	log.Info("dossier generated", "artifacts", len(artifacts), "warnings", len(warnings))
	return types.GenerationResult{PlanID: plan.PlanID, Artifacts: artifacts, Warnings: warnings}, nil
}

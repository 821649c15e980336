package dossier

import (
	"context"
	"log/slog"

	"github.com/i4g/dossiers/pkg/casecontext"
	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/exports"
	"github.com/i4g/dossiers/pkg/gcp"
	"github.com/i4g/dossiers/pkg/templates"
	"github.com/i4g/dossiers/pkg/tools"
	"github.com/i4g/dossiers/pkg/uploads"
	"github.com/i4g/dossiers/pkg/visuals"
)

// DefaultProducers wires the built-in producers for cfg. source may be nil,
// in which case the context stage reports an empty context.
func DefaultProducers(cfg config.Config, source casecontext.Source, logger *slog.Logger) (Producers, error) {
	root, err := cfg.ResolvedArtifactRoot()
	if err != nil {
		return Producers{}, err
	}
	registry, err := templates.NewRegistry()
	if err != nil {
		return Producers{}, err
	}
	return Producers{
		Context:   casecontext.NewLoader(source, logger),
		Visuals:   visuals.NewBuilder(root, logger),
		Tools:     tools.NewSuite(cfg.ToolTimeout, logger),
		Templates: registry,
		Exporter:  exports.NewExporter(root, logger),
	}, nil
}

// NewUploader returns the uploader selected by cfg.Upload.Backend, or nil
// when uploads are disabled. Remote clients are built on first upload.
func NewUploader(cfg config.Config, logger *slog.Logger) uploads.Uploader {
	switch cfg.Upload.Backend {
	case config.UploadDrive:
		return uploads.NewDriveUploader(uploads.DriveOptions{
			ParentID:        cfg.Upload.DriveParentID,
			Algorithm:       cfg.HashAlgorithm,
			CredentialsFile: cfg.Upload.CredentialsFile,
		}, logger)
	case config.UploadS3:
		return uploads.NewS3Uploader(uploads.S3Options{
			Bucket:    cfg.Upload.S3Bucket,
			Prefix:    cfg.Upload.S3Prefix,
			Region:    cfg.Upload.S3Region,
			Algorithm: cfg.HashAlgorithm,
		}, logger)
	default:
		return nil
	}
}

// NewFromConfig builds a Generator with the default producers and the
// configured uploader.
func NewFromConfig(ctx context.Context, cfg config.Config, source casecontext.Source, logger *slog.Logger) (*Generator, error) {
	producers, err := DefaultProducers(cfg, source, logger)
	if err != nil {
		return nil, err
	}
	uploader := NewUploader(cfg, logger)
	root, err := cfg.ResolvedArtifactRoot()
	if err != nil {
		return nil, err
	}
	return NewGenerator(Config{
		ArtifactRoot:  root,
		HashAlgorithm: cfg.HashAlgorithm,
		Template:      cfg.Template,
	}, producers, uploader, logger)
}

// CaseSource picks the case record source: a local directory when
// configured, otherwise Firestore when a client is available.
func CaseSource(cfg config.Config, gc *gcp.Client) casecontext.Source {
	if cfg.Context.CaseDir != "" {
		return &casecontext.DirSource{Dir: cfg.Context.CaseDir}
	}
	if gc != nil && gc.FirestoreClient != nil {
		return &casecontext.FirestoreSource{Client: gc.FirestoreClient, Collection: cfg.Context.FirestoreCollection}
	}
	return nil
}

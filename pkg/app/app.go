// Package app assembles the dossier services from configuration. The
// binaries under cmd/ share it so they agree on backends and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i4g/dossiers/pkg/catalog"
	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/dossier"
	"github.com/i4g/dossiers/pkg/gcp"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/processor"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/queue/backend"
	"github.com/i4g/dossiers/pkg/status"
	"github.com/i4g/dossiers/pkg/uploads"
)

// App holds the long-lived services of one process.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	GCP      *gcp.Client
	Store    queue.Store
	Catalog  *catalog.Catalog
	Reporter status.Reporter

	mu        sync.Mutex
	processor *processor.Processor
}

// New opens the queue and the GCP clients cfg asks for.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDefault(logger)
	a := &App{Config: cfg, Logger: logger}

	if backend.NeedsGCP(cfg) {
		gc, err := gcp.NewClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region)
		if err != nil {
			return nil, fmt.Errorf("connect to GCP: %w", err)
		}
		a.GCP = gc
	}

	store, err := backend.Open(ctx, cfg, a.GCP, logger)
	if err != nil {
		a.closeGCP()
		return nil, fmt.Errorf("open %s queue: %w", cfg.Queue.Backend, err)
	}
	a.Store = store

	root, err := cfg.ResolvedArtifactRoot()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Catalog, err = catalog.New(store, root, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var pub status.Publisher
	if a.GCP != nil {
		pub = a.GCP
	}
	a.Reporter = status.FromConfig(cfg.Reporter, pub, logger)

	logger.Info("dossier services ready",
		"queue", cfg.Queue.Backend, "upload", cfg.Upload.Backend, "artifact_root", root)
	return a, nil
}

// Processor returns the queue processor, building the generator on first use.
func (a *App) Processor(ctx context.Context) (*processor.Processor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.processor != nil {
		return a.processor, nil
	}
	gen, err := dossier.NewFromConfig(ctx, a.Config, dossier.CaseSource(a.Config, a.GCP), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build dossier generator: %w", err)
	}
	a.processor = processor.New(a.Store, gen, a.Logger)
	return a.processor, nil
}

// DriveUploader returns a Drive uploader for folder inspection regardless of
// the configured upload backend.
func (a *App) DriveUploader() *uploads.DriveUploader {
	return uploads.NewDriveUploader(uploads.DriveOptions{
		ParentID:        a.Config.Upload.DriveParentID,
		Algorithm:       a.Config.HashAlgorithm,
		CredentialsFile: a.Config.Upload.CredentialsFile,
	}, a.Logger)
}

// Close releases the queue and GCP clients.
func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if cerr := a.closeGCP(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) closeGCP() error {
	if a.GCP == nil {
		return nil
	}
	gc := a.GCP
	a.GCP = nil
	return gc.Close()
}

// Package backend selects and opens the configured queue store.
package backend

import (
	"context"
	"log/slog"

	"github.com/i4g/dossiers/pkg/config"
	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/gcp"
	"github.com/i4g/dossiers/pkg/queue"
	"github.com/i4g/dossiers/pkg/queue/firestorestore"
	"github.com/i4g/dossiers/pkg/queue/pgstore"
	"github.com/i4g/dossiers/pkg/queue/sqlstore"
)

// Open returns the store named by cfg.Queue.Backend. gc is only needed for
// the firestore backend.
func Open(ctx context.Context, cfg config.Config, gc *gcp.Client, logger *slog.Logger) (queue.Store, error) {
	opts := queue.Options{LeaseTTL: cfg.Queue.LeaseTTL}
	switch cfg.Queue.Backend {
	case config.BackendSQLite, "":
		store, err := sqlstore.Open(cfg.Queue.SQLitePath, opts, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := pgstore.Open(ctx, cfg.Queue.PostgresDSN, opts, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendFirestore:
		if gc == nil || gc.FirestoreClient == nil {
			return nil, dserr.New(dserr.CodeMissingRequired, "firestore queue requires a GCP client")
		}
		return firestorestore.New(gc.FirestoreClient, cfg.Queue.FirestoreCollection, opts, logger), nil
	default:
		return nil, dserr.Newf(dserr.CodeInvalidInput, "unknown queue backend %q", cfg.Queue.Backend)
	}
}

// NeedsGCP reports whether cfg uses any GCP service.
func NeedsGCP(cfg config.Config) bool {
	return cfg.Queue.Backend == config.BackendFirestore ||
		cfg.Reporter.PubSubTopic != "" ||
		(cfg.Context.CaseDir == "" && cfg.GCP.ProjectID != "")
}

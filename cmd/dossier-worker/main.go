// Command dossier-worker drains the dossier queue on an interval until it
// receives SIGINT or SIGTERM. With worker.httpAddr set it also accepts
// batch triggers over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/i4g/dossiers/pkg/app"
	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/worker"
)

func main() {
	once := flag.Bool("once", false, "process a single batch and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start dossier services: %v", err)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("error closing services", "error", err)
		}
	}()

	proc, err := services.Processor(ctx)
	if err != nil {
		log.Fatalf("Failed to build processor: %v", err)
	}

	w := worker.New(proc, services.Store, worker.Options{
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval,
		LeaseTTL:     cfg.Queue.LeaseTTL,
		Reporter:     services.Reporter,
	}, logger)

	if *once {
		if _, err := w.Tick(ctx); err != nil {
			os.Exit(1)
		}
		return
	}

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, finishing current batch", "signal", sig.String())
		cancel()
	}()

	if cfg.Worker.HTTPAddr != "" {
		go func() {
			if err := w.Serve(ctx, cfg.Worker.HTTPAddr); err != nil {
				logger.Error("worker HTTP server failed", "error", err)
				cancel()
			}
		}()
	}

	_ = w.Run(ctx)
}

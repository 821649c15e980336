// Command dossier-mcp serves the dossier tools over MCP stdio.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/i4g/dossiers/pkg/app"
	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/mcp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// stdout carries the protocol, so logs go to stderr.
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

	deps := mcp.Deps{
		Catalog:  services.Catalog,
		Queue:    services.Store,
		Reporter: services.Reporter,
	}
	if proc, err := services.Processor(ctx); err != nil {
		logger.Warn("process_dossiers disabled", "error", err)
	} else {
		deps.Processor = proc
	}
	mcpServer := mcp.NewMCPServer(deps, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := mcpServer.Start(ctx); err != nil {
			logger.Error("MCP server error", "error", err)
		}
		cancel()
	}()

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	if err := mcpServer.Close(); err != nil {
		logger.Warn("error closing MCP server", "error", err)
	}
}

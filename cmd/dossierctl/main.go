// Command dossierctl is the operator tool for the dossier queue: seeding
// plans, running batches, inspecting results and checking artifact hashes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/i4g/dossiers/pkg/app"
	"github.com/i4g/dossiers/pkg/config"
	"github.com/i4g/dossiers/pkg/logging"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 64
	programName = "dossierctl"
)

// command runs against the assembled services.
type command struct {
	summary string
	run     func(ctx context.Context, a *app.App, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"enqueue-sample": {"enqueue the sample plan", runEnqueueSample},
	"process":        {"lease queued plans and generate dossiers", runProcess},
	"list":           {"list dossiers with their artifact locations", runList},
	"verify":         {"verify the artifacts of one dossier", runVerify},
	"requeue":        {"return a leased or failed plan to the queue", runRequeue},
	"reclaim":        {"requeue plans whose lease expired", runReclaim},
	"acl":            {"show the permissions of a Drive folder", runACL},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	name, rest := args[0], args[1:]
	switch name {
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	case "verify-hashes":
		return runVerifyHashes(rest, stdout, stderr)
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "%s: unknown command %q\n", programName, name)
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		return exitFailed
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		return exitFailed
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close services", "error", err)
		}
	}()

	if err := cmd.run(ctx, a, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "%s %s: %v\n", programName, name, err)
		return exitFailed
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s <command> [flags]\n\ncommands:\n", programName)
	names := make([]string, 0, len(commands)+1)
	for name := range commands {
		names = append(names, name)
	}
	names = append(names, "verify-hashes")
	sort.Strings(names)
	for _, name := range names {
		summary := "verify signature manifests on disk"
		if cmd, ok := commands[name]; ok {
			summary = cmd.summary
		}
		fmt.Fprintf(w, "  %-15s %s\n", name, summary)
	}
}

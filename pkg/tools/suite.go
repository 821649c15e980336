package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i4g/dossiers/pkg/analysis"
	"github.com/i4g/dossiers/pkg/casecontext"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/timeout"
	"github.com/i4g/dossiers/pkg/types"
	"github.com/i4g/dossiers/pkg/visuals"
)

// Input is the shared read-only input every tool receives.
type Input struct {
	Plan     types.Plan
	Context  *casecontext.Result
	Analysis analysis.Analysis
	Assets   *visuals.Assets
	// AssetBase is the artifact root asset paths are reported relative to.
	AssetBase string
}

// Tool is a named analysis step producing a JSON document.
type Tool interface {
	Name() string
	Run(ctx context.Context, in Input) (string, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, in Input) (string, error)
}

// Name implements Tool
func (f Func) Name() string { return f.ToolName }

// Run implements Tool
func (f Func) Run(ctx context.Context, in Input) (string, error) { return f.Fn(ctx, in) }

// Results collects the outcome of a suite run. Warnings mirror Errors in
// readable form.
type Results struct {
	Outputs  map[string]json.RawMessage `json:"outputs"`
	Errors   map[string]string          `json:"errors"`
	Warnings []string                   `json:"warnings"`
}

// Suite runs tools one after another, each under its own deadline.
type Suite struct {
	tools    []Tool
	timeouts *timeout.Manager
	logger   *slog.Logger
}

// NewSuite creates a suite with a default per-tool timeout. With no tools
// given the built-in set is used.
func NewSuite(perTool time.Duration, logger *slog.Logger, tools ...Tool) *Suite {
	if len(tools) == 0 {
		tools = DefaultTools()
	}
	return &Suite{
		tools:    tools,
		timeouts: timeout.NewManager(perTool),
		logger:   logging.OrDefault(logger),
	}
}

// SetTimeout overrides the timeout of a single tool.
func (s *Suite) SetTimeout(name string, d time.Duration) {
	s.timeouts.SetOperationTimeout(name, d)
}

// Names lists the registered tools in run order.
func (s *Suite) Names() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name())
	}
	return names
}

// Run executes every tool. It never fails: a tool that errors, panics,
// times out or returns malformed JSON is recorded in Errors and the next
// tool still runs.
func (s *Suite) Run(ctx context.Context, in Input) Results {
	results := Results{
		Outputs:  map[string]json.RawMessage{},
		Errors:   map[string]string{},
		Warnings: []string{},
	}

	for _, tool := range s.tools {
		name := tool.Name()
		started := time.Now()
		out, err := timeout.Call(ctx, s.timeouts, name, func(ctx context.Context) (string, error) {
			return tool.Run(ctx, in)
		})

		var te *timeout.TimeoutError
		switch {
		case errors.As(err, &te):
			msg := "timed out after " + timeout.FormatSeconds(te.Timeout) + "s"
			results.Errors[name] = msg
			results.Warnings = append(results.Warnings, fmt.Sprintf("%s %s", name, msg))
		case err != nil:
			results.Errors[name] = err.Error()
			results.Warnings = append(results.Warnings, fmt.Sprintf("%s failed: %s", name, err.Error()))
		case !json.Valid([]byte(out)):
			results.Errors[name] = "returned invalid JSON"
			results.Warnings = append(results.Warnings, fmt.Sprintf("%s failed: returned invalid JSON", name))
		default:
			results.Outputs[name] = json.RawMessage(out)
		}

		s.logger.Debug("tool finished", "tool", name, "elapsed", time.Since(started), "error", results.Errors[name])
	}
	return results
}

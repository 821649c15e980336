// Package mcp exposes the dossier pipeline as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/i4g/dossiers/pkg/catalog"
	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/processor"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/status"
	"github.com/i4g/dossiers/pkg/types"
)

// Catalog is the read side the tools query. *catalog.Catalog satisfies it.
type Catalog interface {
	ListDossiers(ctx context.Context, opts catalog.ListOptions) (catalog.Listing, error)
	Verify(ctx context.Context, planID string) (signatures.Report, error)
	SignatureManifest(ctx context.Context, planID string) (signatures.SignatureManifest, error)
}

// BatchProcessor drains the queue. *processor.Processor satisfies it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, opts processor.Options) (types.Summary, error)
}

// Enqueuer accepts new plans. Every queue.Store satisfies it.
type Enqueuer interface {
	EnqueuePlan(ctx context.Context, plan types.Plan) error
}

// Deps are the services behind the tools. Processor and Queue may be nil,
// which leaves the matching tools reporting an error.
type Deps struct {
	Catalog   Catalog
	Processor BatchProcessor
	Queue     Enqueuer
	Reporter  status.Reporter
}

var (
	_ Catalog        = (*catalog.Catalog)(nil)
	_ BatchProcessor = (*processor.Processor)(nil)
)

// Tool defaults.
const (
	defaultBatchSize = 5
	maxBatchSize     = 100
)

// MCPServer wraps the dossier services with MCP protocol support
type MCPServer struct {
	deps      Deps
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server that exposes the dossier tools
func NewMCPServer(deps Deps, logger *slog.Logger) *MCPServer {
	mcpServer := server.NewMCPServer(
		"I4G Dossier Service",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &MCPServer{
		deps:      deps,
		mcpServer: mcpServer,
		logger:    logging.OrDefault(logger),
	}
	s.registerTools()
	return s
}

// registerTools registers all available MCP tools
func (s *MCPServer) registerTools() {
	listDossiers := mcp.NewTool("list_dossiers",
		mcp.WithDescription("List queued or generated dossiers with their manifests and download locations"),
		mcp.WithString("status",
			mcp.Description("Queue status to filter by, or all"),
			mcp.Enum("queued", "leased", "completed", "failed", catalog.StatusAll),
			mcp.DefaultString("completed"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of dossiers to return"),
			mcp.DefaultNumber(catalog.DefaultLimit),
			mcp.Min(1),
			mcp.Max(catalog.MaxLimit),
		),
		mcp.WithBoolean("include_manifest",
			mcp.Description("Embed the full dossier manifest in each record"),
		),
	)
	s.mcpServer.AddTool(listDossiers, s.handleListDossiers)

	verify := mcp.NewTool("verify_dossier",
		mcp.WithDescription("Re-hash every artifact of a dossier and compare against its signature manifest"),
		mcp.WithString("plan_id",
			mcp.Required(),
			mcp.Description("Plan identifier of the dossier"),
		),
	)
	s.mcpServer.AddTool(verify, s.handleVerifyDossier)

	signatureManifest := mcp.NewTool("get_signature_manifest",
		mcp.WithDescription("Return the signature manifest recorded for a dossier"),
		mcp.WithString("plan_id",
			mcp.Required(),
			mcp.Description("Plan identifier of the dossier"),
		),
	)
	s.mcpServer.AddTool(signatureManifest, s.handleGetSignatureManifest)

	process := mcp.NewTool("process_dossiers",
		mcp.WithDescription("Lease queued plans and generate their dossiers"),
		mcp.WithNumber("batch_size",
			mcp.Description("Maximum number of plans to lease"),
			mcp.DefaultNumber(defaultBatchSize),
			mcp.Min(1),
			mcp.Max(maxBatchSize),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("List the plans that would be leased without leasing them"),
		),
	)
	s.mcpServer.AddTool(process, s.handleProcessDossiers)

	enqueue := mcp.NewTool("enqueue_plan",
		mcp.WithDescription("Add a plan to the dossier queue"),
		mcp.WithString("plan_json",
			mcp.Description("JSON-encoded plan; when omitted a sample plan is enqueued under plan_id"),
		),
		mcp.WithString("plan_id",
			mcp.Description("Identifier for the sample plan"),
		),
		mcp.WithString("drive_folder_id",
			mcp.Description("Upload destination for the sample plan"),
		),
	)
	s.mcpServer.AddTool(enqueue, s.handleEnqueuePlan)
}

// Server returns the underlying protocol server.
func (s *MCPServer) Server() *server.MCPServer { return s.mcpServer }

// Start serves the tools over stdio until the input closes
func (s *MCPServer) Start(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Close stops the server. mcp-go has no close hook for stdio so this only logs.
func (s *MCPServer) Close() error {
	s.logger.Info("MCP server stopped")
	return nil
}

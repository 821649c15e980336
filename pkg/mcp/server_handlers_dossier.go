package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/i4g/dossiers/pkg/catalog"
	"github.com/i4g/dossiers/pkg/processor"
	"github.com/i4g/dossiers/pkg/types"
)

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *MCPServer) handleListDossiers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Catalog == nil {
		return mcp.NewToolResultError("dossier catalog not configured"), nil
	}
	listing, err := s.deps.Catalog.ListDossiers(ctx, catalog.ListOptions{
		Status:          request.GetString("status", string(types.QueueStatusCompleted)),
		Limit:           int(request.GetFloat("limit", catalog.DefaultLimit)),
		IncludeManifest: request.GetBool("include_manifest", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list dossiers: %v", err)), nil
	}
	return jsonResult(listing)
}

func (s *MCPServer) handleVerifyDossier(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := request.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid plan_id: %v", err)), nil
	}
	if s.deps.Catalog == nil {
		return mcp.NewToolResultError("dossier catalog not configured"), nil
	}
	report, err := s.deps.Catalog.Verify(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify dossier %s: %v", planID, err)), nil
	}
	s.logger.Info("verify_dossier", "plan_id", planID, "all_verified", report.AllVerified)
	return jsonResult(report)
}

func (s *MCPServer) handleGetSignatureManifest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := request.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid plan_id: %v", err)), nil
	}
	if s.deps.Catalog == nil {
		return mcp.NewToolResultError("dossier catalog not configured"), nil
	}
	m, err := s.deps.Catalog.SignatureManifest(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load signature manifest for %s: %v", planID, err)), nil
	}
	return jsonResult(m)
}

func (s *MCPServer) handleProcessDossiers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Processor == nil {
		return mcp.NewToolResultError("queue processor not configured"), nil
	}
	batchSize := int(request.GetFloat("batch_size", defaultBatchSize))
	if batchSize < 1 || batchSize > maxBatchSize {
		return mcp.NewToolResultError(fmt.Sprintf("batch_size must be between 1 and %d", maxBatchSize)), nil
	}
	summary, err := s.deps.Processor.ProcessBatch(ctx, processor.Options{
		BatchSize: batchSize,
		DryRun:    request.GetBool("dry_run", false),
		Reporter:  s.deps.Reporter,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to process dossiers: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *MCPServer) handleEnqueuePlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Queue == nil {
		return mcp.NewToolResultError("plan queue not configured"), nil
	}
	var plan types.Plan
	if raw := strings.TrimSpace(request.GetString("plan_json", "")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid plan_json: %v", err)), nil
		}
	} else {
		planID := strings.TrimSpace(request.GetString("plan_id", ""))
		if planID == "" {
			return mcp.NewToolResultError("plan_json or plan_id required"), nil
		}
		plan = types.SamplePlan(planID, request.GetString("drive_folder_id", ""))
	}
	if err := s.deps.Queue.EnqueuePlan(ctx, plan); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to enqueue plan: %v", err)), nil
	}
	s.logger.Info("plan enqueued", "plan_id", plan.PlanID)
	return mcp.NewToolResultText(fmt.Sprintf("Enqueued plan %s", plan.PlanID)), nil
}

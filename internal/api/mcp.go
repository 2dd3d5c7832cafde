package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pilltrack/internal/cloudsync"
	"github.com/kalambet/pilltrack/internal/schedule"
	"github.com/kalambet/pilltrack/internal/tracker"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tracker *tracker.Tracker
	Version string
}

// NewMCPServer creates an MCP server with the pilltrack tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"pilltrack",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pilltrack: daily pill schedule, day status and backup sync."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_schedule",
			mcp.WithDescription("Return the current cycle: plan, today's day index and every day's status."),
		),
		mcpGetSchedule(deps),
	)

	s.AddTool(
		mcp.NewTool("set_day_status",
			mcp.WithDescription("Set the status of one day in the current cycle."),
			mcp.WithNumber("day", mcp.Description("One-based day index in the cycle"), mcp.Required()),
			mcp.WithString("status", mcp.Description("TAKEN, MISSED or NOT_TAKEN"), mcp.Required(),
				mcp.Enum(string(schedule.Taken), string(schedule.Missed), string(schedule.NotTaken))),
		),
		mcpSetDayStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Upload local changes now, restoring first if the remote backup is newer."),
		),
		mcpSyncNow(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pilltrack://schedule",
			"Schedule",
			mcp.WithResourceDescription("Current plan and per-day statuses as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSchedule(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pilltrack://sync-status",
			"Sync Status",
			mcp.WithResourceDescription("Backup sync state and bookkeeping as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSyncStatus(deps),
	)

	return s
}

func mcpGetSchedule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v, err := deps.Tracker.OnAppForeground()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build schedule: %v", err)), nil
		}
		return mcpJSON(v)
	}
}

func mcpSetDayStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		day := req.GetInt("day", 0)
		if day <= 0 {
			return mcpError("day must be a positive day index"), nil
		}
		raw, err := req.RequireString("status")
		if err != nil {
			return mcpError("status is required"), nil
		}
		status, err := schedule.ParseStatus(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		rec, err := deps.Tracker.OnUserSetDayStatus(day, status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to set day %d: %v", day, err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := deps.Tracker.Sync().UploadNowWithConflictProtection(ctx)
		switch {
		case errors.Is(err, cloudsync.ErrNotSignedIn):
			return mcpError("not signed in: sign in before syncing"), nil
		case errors.Is(err, cloudsync.ErrReauthRequired):
			return mcpError("the backup account needs to sign in again"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("sync finished: %s", out)), nil
	}
}

func mcpResourceSchedule(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		v, err := deps.Tracker.OnAppForeground()
		if err != nil {
			return nil, fmt.Errorf("failed to build schedule: %w", err)
		}
		return jsonResource(req.Params.URI, v)
	}
}

func mcpResourceSyncStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sv, err := deps.Tracker.SyncStatus()
		if err != nil {
			return nil, fmt.Errorf("failed to read sync status: %w", err)
		}
		return jsonResource(req.Params.URI, sv)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

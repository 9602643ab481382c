package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tasktalk/internal/auth"
	"github.com/kalambet/tasktalk/internal/tools"
)

// OwnerFunc resolves the caller of an MCP tool call.
type OwnerFunc func(ctx context.Context) (string, bool)

// NewMCPServer publishes every tool registered with the executor. Calls run
// through the executor, so MCP clients get the same validation, timeout and
// owner scoping as chat turns. A nil owner func reads the owner from the
// request context.
func NewMCPServer(exec *tools.Executor, owner OwnerFunc, version string) *server.MCPServer {
	if owner == nil {
		owner = auth.OwnerFromContext
	}
	s := server.NewMCPServer(
		"tasktalk",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("tasktalk: manage the caller's todo list."),
		server.WithRecovery(),
	)

	for _, t := range exec.Registry().List() {
		schema, err := json.Marshal(t.Schema.JSONSchema())
		if err != nil {
			slog.Warn("skipping MCP tool with unencodable schema", "tool", t.Name, "error", err)
			continue
		}
		s.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), mcpToolHandler(exec, owner, t.Name))
	}
	return s
}

func mcpToolHandler(exec *tools.Executor, owner OwnerFunc, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ownerID, ok := owner(ctx)
		if !ok {
			return mcpError("unauthenticated: no caller identity"), nil
		}

		inv := exec.Execute(ctx, ownerID, name, req.GetArguments())
		b, err := json.Marshal(inv.Result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !inv.Success {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

// NewMCPHTTPHandler serves s over streamable HTTP. It expects BearerAuth to
// have run, and carries the authenticated owner into tool calls.
func NewMCPHTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.OwnerFromContext(r.Context()); ok {
				return auth.WithOwner(ctx, id)
			}
			return ctx
		}),
	)
}

// FixedOwner returns an OwnerFunc for single-user transports such as stdio.
func FixedOwner(ownerID string) OwnerFunc {
	return func(context.Context) (string, bool) {
		return ownerID, ownerID != ""
	}
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

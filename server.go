package hrask

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/orchestrator"
)

// Service is the surface exposed to tools and the admin API.
type Service interface {
	Ask(ctx context.Context, req orchestrator.Request) orchestrator.Envelope
	Health(ctx context.Context) Health
	Stats(ctx context.Context) Stats
}

// NewMCPServer exposes svc as MCP tools.
func NewMCPServer(serverName string, svc Service) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		serverName,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("HR question answering over scheduling, labor and sales data. Answers are scoped to the caller's role, team and locations."),
	)

	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("ask-hr", "Answer an HR question using the caller's role-scoped employee, shift, labor and sales data", GetAskSchema()),
		HandleAsk(svc),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("health", "Report queue, database and document index health", GetEmptySchema()),
		HandleHealth(svc),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("stats", "Report pending queries and indexed documents", GetEmptySchema()),
		HandleStats(svc),
	)
	return mcpServer
}

func HandleAsk(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		req, err := orchestrator.DecodeRequest(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		env := svc.Ask(ctx, req)
		out, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		if !env.Success {
			return mcp.NewToolResultError(string(out)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func HandleHealth(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := json.Marshal(svc.Health(ctx))
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func HandleStats(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := json.Marshal(svc.Stats(ctx))
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func GetAskSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The HR question in natural language"},
    "user_id": {"type": "string", "description": "Caller employee id, e.g. emp001"},
    "user_role": {"type": "string", "enum": ["employee", "supervisor", "manager", "admin"], "description": "Caller role; unknown roles are treated as employee"},
    "account_id": {"type": "string", "description": "Tenant account id"},
    "location_ids": {"type": "array", "items": {"type": "string"}, "description": "Locations the caller may see"},
    "model": {"type": "string", "description": "Configured model name; the default model is used when omitted or unknown"},
    "top_k": {"type": "integer", "minimum": 1, "description": "Maximum documents retrieved from the index"}
  },
  "required": ["query"]
}`)
}

func GetEmptySchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

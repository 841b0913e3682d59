package command

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/commentveil/kit"
)

// RegisterMCP exposes the router as MCP tools. Each tool dispatches to the
// matching action; tools whose action has no handler fail at call time.
func (r *Router) RegisterMCP(srv *mcp.Server) {
	r.registerTool(srv, &mcp.Tool{
		Name:        "veil_rescan",
		Description: "Schedule a debounced rescan of the current page.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, ActionRescan)

	r.registerTool(srv, &mcp.Tool{
		Name:        "veil_update_settings",
		Description: "Merge a partial settings update into the live engine settings.",
		InputSchema: inputSchema(map[string]any{
			"enableAutomationBadge": map[string]any{"type": "boolean", "description": "Suffix a badge to veils of comments carrying the automation tag"},
			"autoTag":               map[string]any{"type": "string", "description": "Automation tag, e.g. #auto"},
			"rescanMs":              map[string]any{"type": "integer", "description": "Periodic rescan interval in ms (min 300)"},
			"activePack":            map[string]any{"type": "string", "description": "Comma-joined pack identifiers, e.g. core,motivational"},
		}, nil),
	}, ActionUpdateSettings)

	r.registerTool(srv, &mcp.Tool{
		Name:        "veil_status",
		Description: "Report the engine's settings, node counts and scheduler counters. Never includes comment text.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, ActionStatus)

	r.registerTool(srv, &mcp.Tool{
		Name:        "veil_drift",
		Description: "Summarise recorded adapter stability failures by adapter and code.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max recent reports (default 50)"},
		}, nil),
	}, ActionDrift)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (r *Router) registerTool(srv *mcp.Server, tool *mcp.Tool, action string) {
	endpoint := func(ctx context.Context, req any) (any, error) {
		raw := req.(json.RawMessage)
		msg := Message{Action: action}
		switch action {
		case ActionUpdateSettings:
			msg.Settings = raw
		case ActionDrift:
			var args struct {
				Limit int `json:"limit"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			msg.Limit = args.Limit
		}
		return r.Call(ctx, msg)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.RawArguments)
}

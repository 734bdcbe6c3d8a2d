package mcp

import (
	"context"
	"encoding/json"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/tool"
)

// Tool adapts one MCP server tool to tool.Tool. Its calls run on a remote
// process, so it is an execute tool and needs approval like Bash.
type Tool struct {
	info   ToolInfo
	client *Client
}

// NewTool wraps info for execution through client.
func NewTool(info ToolInfo, client *Client) *Tool {
	return &Tool{info: info, client: client}
}

func (t *Tool) Name() string                { return t.info.Name }
func (t *Tool) Description() string         { return t.info.Description }
func (t *Tool) Parameters() json.RawMessage { return t.info.InputSchema }
func (t *Tool) Kind() tool.Kind             { return tool.KindExecute }

// Execute calls the tool on its server.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	output, err := t.client.CallTool(ctx, t.info, input)
	if err != nil {
		return nil, err
	}
	return &tool.Result{
		Title:  t.info.Name,
		Output: output,
		Metadata: map[string]any{
			"type":   "mcp",
			"server": t.info.server,
			"tool":   t.info.toolName,
		},
	}, nil
}

// Register adds every tool of the connected servers to registry and
// returns how many were added.
func Register(client *Client, registry *tool.Registry) int {
	if client == nil || registry == nil {
		return 0
	}
	tools := client.Tools()
	for _, info := range tools {
		registry.Register(NewTool(info, client))
	}
	return len(tools)
}

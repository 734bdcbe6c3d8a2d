// Package mcp connects to Model Context Protocol servers and exposes their
// tools to the native engine. MCP tools go through the same approval gate
// as the built-in ones.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// DefaultTimeout bounds connecting to a server and listing its tools.
const DefaultTimeout = 5 * time.Second

// Status is the connection state of a server.
type Status string

const (
	StatusConnected Status = "connected"
	StatusDisabled  Status = "disabled"
	StatusFailed    Status = "failed"
)

// ToolInfo describes one tool offered by a server. Name carries the server
// prefix ("calculator_sum").
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	server   string
	toolName string
}

// ServerStatus summarizes one configured server.
type ServerStatus struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

type server struct {
	name    string
	session *sdkmcp.ClientSession
	tools   []ToolInfo
	status  Status
	err     string
}

// Client manages the MCP server connections of one process.
type Client struct {
	mu        sync.RWMutex
	servers   map[string]*server
	sdkClient *sdkmcp.Client
	log       zerolog.Logger
}

// NewClient creates a client with no servers.
func NewClient() *Client {
	return &Client{
		servers: make(map[string]*server),
		sdkClient: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "agentchat",
			Version: "1.0.0",
		}, nil),
		log: logging.Component("mcp"),
	}
}

// AddServer connects to the server described by cfg and lists its tools.
// A failed server is kept with StatusFailed so Status can report it.
func (c *Client) AddServer(ctx context.Context, name string, cfg types.MCPServerConfig) error {
	if !cfg.IsEnabled() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.servers[name]; ok {
			return fmt.Errorf("server already exists: %s", name)
		}
		c.servers[name] = &server{name: name, status: StatusDisabled}
		return nil
	}

	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var err error
	switch cfg.Type {
	case "remote":
		err = c.connectRemote(ctx, name, cfg, timeout)
	case "", "local", "stdio":
		if len(cfg.Command) == 0 {
			err = errors.New("empty command")
			break
		}
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Environment {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		err = c.connect(connectCtx, name, &sdkmcp.CommandTransport{Command: cmd}, timeout)
		cancel()
	default:
		err = fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
	if err != nil {
		c.mu.Lock()
		if _, ok := c.servers[name]; !ok {
			c.servers[name] = &server{name: name, status: StatusFailed, err: err.Error()}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// connectRemote tries streamable HTTP first and falls back to SSE. The SSE
// stream lives as long as the connect context, so it is not cancelled.
func (c *Client) connectRemote(ctx context.Context, name string, cfg types.MCPServerConfig, timeout time.Duration) error {
	ctx = context.WithoutCancel(ctx)
	httpClient := httpClientWithHeaders(cfg.Headers)
	candidates := []struct {
		name      string
		transport sdkmcp.Transport
	}{
		{"streamable", &sdkmcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}},
		{"sse", &sdkmcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}},
	}

	var lastErr error
	for _, candidate := range candidates {
		err := c.connect(ctx, name, candidate.transport, timeout)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s transport: %w", candidate.name, err)
	}
	return lastErr
}

// connect opens a session over transport and registers the server.
func (c *Client) connect(ctx context.Context, name string, transport sdkmcp.Transport, timeout time.Duration) error {
	c.mu.RLock()
	_, exists := c.servers[name]
	c.mu.RUnlock()
	if exists {
		return fmt.Errorf("server already exists: %s", name)
	}

	session, err := c.sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	listCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tools, err := listTools(listCtx, name, session)
	if err != nil {
		session.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[name]; ok {
		session.Close()
		return fmt.Errorf("server already exists: %s", name)
	}
	c.servers[name] = &server{name: name, session: session, tools: tools, status: StatusConnected}
	c.log.Info().Str("server", name).Int("tools", len(tools)).Msg("mcp server connected")
	return nil
}

func listTools(ctx context.Context, serverName string, session *sdkmcp.ClientSession) ([]ToolInfo, error) {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil || string(schema) == "null" {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, ToolInfo{
			Name:        sanitizeToolName(serverName) + "_" + sanitizeToolName(t.Name),
			Description: t.Description,
			InputSchema: schema,
			server:      serverName,
			toolName:    t.Name,
		})
	}
	return tools, nil
}

// Tools returns the tools of every connected server, sorted by name.
func (c *Client) Tools() []ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []ToolInfo
	for _, s := range c.servers {
		if s.status == StatusConnected {
			all = append(all, s.tools...)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// CallTool runs a tool on its server and returns the text content.
func (c *Client) CallTool(ctx context.Context, info ToolInfo, args json.RawMessage) (string, error) {
	c.mu.RLock()
	s, ok := c.servers[info.server]
	c.mu.RUnlock()
	if !ok || s.session == nil {
		return "", fmt.Errorf("server not connected: %s", info.server)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
	}

	result, err := s.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      info.toolName,
		Arguments: argsMap,
	})
	if err != nil {
		return "", err
	}

	var output strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			output.WriteString(text.Text)
		}
	}
	if result.IsError {
		if output.Len() == 0 {
			return "", errors.New("tool execution failed")
		}
		return "", fmt.Errorf("tool error: %s", output.String())
	}
	return output.String(), nil
}

// Status reports every configured server, sorted by name.
func (c *Client) Status() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ServerStatus, 0, len(c.servers))
	for name, s := range c.servers {
		out = append(out, ServerStatus{Name: name, Status: s.status, ToolCount: len(s.tools), Error: s.err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close disconnects every server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, s := range c.servers {
		if s.session != nil {
			if err := s.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
		}
	}
	c.servers = make(map[string]*server)
	return errors.Join(errs...)
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return &http.Client{}
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers, next: http.DefaultTransport}}
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}

// sanitizeToolName replaces characters model APIs reject in tool names.
func sanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

package types

import "time"

// Config represents the agentchat configuration file.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	Server   ServerConfig   `json:"server"`
	Approval ApprovalConfig `json:"approval"`
	Query    QueryConfig    `json:"query"`
	Engine   EngineConfig   `json:"engine"`
	Store    StoreConfig    `json:"store"`

	// Defaults applied to every turn unless the request overrides them.
	Defaults ChatSettings `json:"defaults"`

	// Provider configs for the native engine, keyed by provider id.
	Provider map[string]ProviderConfig `json:"provider,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port     int    `json:"port,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	CORS     *bool  `json:"cors,omitempty"`
}

// Always-allow scopes.
const (
	AlwaysAllowScopeTurn    = "turn"
	AlwaysAllowScopeSession = "session"
)

// ApprovalConfig controls tool approval behavior.
type ApprovalConfig struct {
	// TimeoutSeconds after which a pending approval resolves to deny.
	// Zero disables the timeout.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`

	// AlwaysAllowScope is "turn" (default) or "session".
	AlwaysAllowScope string `json:"alwaysAllowScope,omitempty"`

	// DangerousTools are always flagged as dangerous.
	DangerousTools []string `json:"dangerousTools,omitempty"`

	// DangerousPaths are doublestar globs; writes to a matching path are dangerous.
	DangerousPaths []string `json:"dangerousPaths,omitempty"`
}

// Timeout returns the approval timeout as a duration.
func (c ApprovalConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Duplicate registration policies.
const (
	DuplicateInterrupt = "interrupt"
	DuplicateReplace   = "replace"
	DuplicateReject    = "reject"
)

// QueryConfig controls the session query registry.
type QueryConfig struct {
	// OnDuplicate decides what happens when a session starts a turn while
	// another one is still registered: "interrupt" (default), "replace" or "reject".
	OnDuplicate string `json:"onDuplicate,omitempty"`
}

// Engine types.
const (
	EngineClaudeCode = "claude-code"
	EngineNative     = "native"
	EngineScript     = "script"
)

// EngineConfig selects and configures the model/tool execution engine.
type EngineConfig struct {
	Type       string           `json:"type,omitempty"`
	ClaudeCode ClaudeCodeConfig `json:"claudeCode"`
	Native     NativeConfig     `json:"native"`
	Script     ScriptConfig     `json:"script"`
}

// ClaudeCodeConfig configures the Claude Code CLI engine.
type ClaudeCodeConfig struct {
	Path      string            `json:"path,omitempty"`
	ExtraArgs []string          `json:"extraArgs,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// NativeConfig configures the in-process engine.
type NativeConfig struct {
	Provider  string `json:"provider,omitempty"` // "anthropic" | "openai" | "ark"
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`

	// MCPServers adds the tools of these MCP servers, keyed by server name.
	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`
}

// MCPServerConfig holds one MCP server connection.
type MCPServerConfig struct {
	Type        string            `json:"type,omitempty"` // "local"|"remote"
	Command     []string          `json:"command,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"` // milliseconds
}

// IsEnabled reports whether the server should be connected; unset means yes.
func (c MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ScriptConfig configures the scripted engine.
type ScriptConfig struct {
	File string `json:"file,omitempty"`
}

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `json:"backend,omitempty"`
	// Path is a directory for the file backend or a database file for sqlite.
	Path string `json:"path,omitempty"`
}

// ProviderConfig holds credentials for a model provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
	Model   string `json:"model,omitempty"`
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// Config file names looked up in every config directory.
var configFileNames = []string{"agentchat.json", "agentchat.jsonc"}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Default returns the built-in configuration.
func Default() *types.Config {
	cors := true
	return &types.Config{
		LogLevel: "INFO",
		Server: types.ServerConfig{
			Port:     8080,
			Hostname: "127.0.0.1",
			CORS:     &cors,
		},
		Approval: types.ApprovalConfig{
			AlwaysAllowScope: types.AlwaysAllowScopeTurn,
			DangerousPaths: []string{
				"**/.env",
				"**/.env.*",
				"**/.git/**",
				"**/.ssh/**",
				"/etc/**",
			},
		},
		Query: types.QueryConfig{OnDuplicate: types.DuplicateInterrupt},
		Engine: types.EngineConfig{
			Type:       types.EngineClaudeCode,
			ClaudeCode: types.ClaudeCodeConfig{Path: "claude"},
			Native:     types.NativeConfig{Provider: "anthropic", MaxTokens: 8192},
		},
		Store: types.StoreConfig{Backend: types.StoreFile},
		Defaults: types.ChatSettings{
			PermissionMode: types.PermissionModeDefault,
		},
		Provider: make(map[string]types.ProviderConfig),
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentchat/)
// 2. Project config (agentchat.json[c] and .agentchat/ in directory)
// 3. AGENTCHAT_CONFIG file
// 4. AGENTCHAT_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := Default()
	loaded := make(map[string]bool)

	loadDir := func(dir string) error {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			abs, err := filepath.Abs(path)
			if err != nil || loaded[abs] {
				continue
			}
			if err := loadConfigFile(path, config, dir); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("load %s: %w", path, err)
			}
			loaded[abs] = true
		}
		return nil
	}

	if err := loadDir(GetPaths().Config); err != nil {
		return nil, err
	}

	if directory != "" {
		if err := loadDir(directory); err != nil {
			return nil, err
		}
		if err := loadDir(filepath.Join(directory, ".agentchat")); err != nil {
			return nil, err
		}
	}

	if configPath := os.Getenv("AGENTCHAT_CONFIG"); configPath != "" {
		if err := loadConfigFile(configPath, config, filepath.Dir(configPath)); err != nil {
			return nil, fmt.Errorf("load AGENTCHAT_CONFIG: %w", err)
		}
	}

	if content := os.Getenv("AGENTCHAT_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("parse AGENTCHAT_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inline)
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		// Embed as the body of a JSON string.
		encoded, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(encoded[1 : len(encoded)-1])
	})

	return []byte(str)
}

// mergeConfig merges non-zero fields of source into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.Hostname != "" {
		target.Server.Hostname = source.Server.Hostname
	}
	if source.Server.CORS != nil {
		target.Server.CORS = source.Server.CORS
	}

	if source.Approval.TimeoutSeconds != 0 {
		target.Approval.TimeoutSeconds = source.Approval.TimeoutSeconds
	}
	if source.Approval.AlwaysAllowScope != "" {
		target.Approval.AlwaysAllowScope = source.Approval.AlwaysAllowScope
	}
	if len(source.Approval.DangerousTools) > 0 {
		target.Approval.DangerousTools = append(target.Approval.DangerousTools, source.Approval.DangerousTools...)
	}
	if len(source.Approval.DangerousPaths) > 0 {
		target.Approval.DangerousPaths = append(target.Approval.DangerousPaths, source.Approval.DangerousPaths...)
	}

	if source.Query.OnDuplicate != "" {
		target.Query.OnDuplicate = source.Query.OnDuplicate
	}

	if source.Engine.Type != "" {
		target.Engine.Type = source.Engine.Type
	}
	if source.Engine.ClaudeCode.Path != "" {
		target.Engine.ClaudeCode.Path = source.Engine.ClaudeCode.Path
	}
	if len(source.Engine.ClaudeCode.ExtraArgs) > 0 {
		target.Engine.ClaudeCode.ExtraArgs = source.Engine.ClaudeCode.ExtraArgs
	}
	if source.Engine.ClaudeCode.Env != nil {
		if target.Engine.ClaudeCode.Env == nil {
			target.Engine.ClaudeCode.Env = make(map[string]string)
		}
		for k, v := range source.Engine.ClaudeCode.Env {
			target.Engine.ClaudeCode.Env[k] = v
		}
	}
	if source.Engine.Native.Provider != "" {
		target.Engine.Native.Provider = source.Engine.Native.Provider
	}
	if source.Engine.Native.Model != "" {
		target.Engine.Native.Model = source.Engine.Native.Model
	}
	if source.Engine.Native.MaxTokens != 0 {
		target.Engine.Native.MaxTokens = source.Engine.Native.MaxTokens
	}
	if source.Engine.Native.MCPServers != nil {
		if target.Engine.Native.MCPServers == nil {
			target.Engine.Native.MCPServers = make(map[string]types.MCPServerConfig)
		}
		for k, v := range source.Engine.Native.MCPServers {
			target.Engine.Native.MCPServers[k] = v
		}
	}
	if source.Engine.Script.File != "" {
		target.Engine.Script.File = source.Engine.Script.File
	}

	if source.Store.Backend != "" {
		target.Store.Backend = source.Store.Backend
	}
	if source.Store.Path != "" {
		target.Store.Path = source.Store.Path
	}

	target.Defaults = source.Defaults.Merge(target.Defaults)

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if engine := os.Getenv("AGENTCHAT_ENGINE"); engine != "" {
		config.Engine.Type = engine
	}
	if model := os.Getenv("AGENTCHAT_MODEL"); model != "" {
		config.Defaults.Model = model
	}
	if backend := os.Getenv("AGENTCHAT_STORE"); backend != "" {
		config.Store.Backend = backend
	}
	if timeout := os.Getenv("AGENTCHAT_APPROVAL_TIMEOUT"); timeout != "" {
		if secs, err := strconv.Atoi(timeout); err == nil {
			config.Approval.TimeoutSeconds = secs
		}
	}
	if claudePath := os.Getenv("AGENTCHAT_CLAUDE_PATH"); claudePath != "" {
		config.Engine.ClaudeCode.Path = claudePath
	}
}

// Validate checks enumerated fields.
func Validate(config *types.Config) error {
	switch config.Approval.AlwaysAllowScope {
	case "", types.AlwaysAllowScopeTurn, types.AlwaysAllowScopeSession:
	default:
		return fmt.Errorf("invalid approval.alwaysAllowScope %q", config.Approval.AlwaysAllowScope)
	}
	if config.Approval.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid approval.timeoutSeconds %d", config.Approval.TimeoutSeconds)
	}
	switch config.Query.OnDuplicate {
	case "", types.DuplicateInterrupt, types.DuplicateReplace, types.DuplicateReject:
	default:
		return fmt.Errorf("invalid query.onDuplicate %q", config.Query.OnDuplicate)
	}
	switch config.Engine.Type {
	case types.EngineClaudeCode, types.EngineNative, types.EngineScript:
	default:
		return fmt.Errorf("unknown engine type %q", config.Engine.Type)
	}
	switch config.Store.Backend {
	case types.StoreFile, types.StoreSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", config.Store.Backend)
	}
	for name, server := range config.Engine.Native.MCPServers {
		switch server.Type {
		case "", "local", "stdio":
			if server.IsEnabled() && len(server.Command) == 0 {
				return fmt.Errorf("mcp server %q: command is required", name)
			}
		case "remote":
			if server.IsEnabled() && server.URL == "" {
				return fmt.Errorf("mcp server %q: url is required", name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown type %q", name, server.Type)
		}
	}
	return nil
}

// Save writes the configuration to path as indented JSON.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

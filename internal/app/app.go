// Package app assembles the server and its collaborators from a loaded
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/claudecode"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/native"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/script"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/event"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/mcp"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/query"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/server"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/store"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/tool"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/turn"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// Options override parts of the configuration-driven wiring.
type Options struct {
	// WorkDir is used when the configured defaults name no working directory.
	WorkDir string
	// StoragePath is the file store directory when the config leaves it empty.
	StoragePath string
	// DatabasePath is the sqlite file when the config leaves it empty.
	DatabasePath string
	// Engine replaces the configured engine.
	Engine engine.Engine
}

// App holds the running components.
type App struct {
	Config       *types.Config
	Store        store.Store
	Bus          *event.Bus
	Approvals    *approval.Coordinator
	Queries      *query.Registry
	Classifier   *approval.Classifier
	Orchestrator *turn.Orchestrator
	Server       *server.Server
	// MCP is set when the native engine has MCP servers configured.
	MCP *mcp.Client

	workDir string
}

// New builds every component from cfg.
func New(cfg *types.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	defaultPath := opts.StoragePath
	if cfg.Store.Backend == types.StoreSQLite {
		defaultPath = opts.DatabasePath
	}
	st, err := store.Open(cfg.Store, defaultPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var mcpClient *mcp.Client
	eng := opts.Engine
	if eng == nil {
		if cfg.Engine.Type == types.EngineNative {
			mcpClient = ConnectMCP(context.Background(), cfg.Engine.Native.MCPServers)
		}
		eng, err = NewEngine(cfg, mcpClient)
		if err != nil {
			if mcpClient != nil {
				mcpClient.Close()
			}
			st.Close()
			return nil, err
		}
	}

	bus := event.NewBus()
	approvals := approval.NewCoordinator(
		approval.WithTimeout(cfg.Approval.Timeout()),
		approval.WithPublisher(bus),
		approval.WithRecorder(store.Recorder(st)),
	)
	queries := query.NewRegistry(cfg.Query.OnDuplicate)
	classifier := approval.NewClassifier(cfg.Approval)

	defaults := cfg.Defaults
	if defaults.WorkDir == "" {
		defaults.WorkDir = opts.WorkDir
	}
	orch := turn.New(turn.Config{
		Store:            st,
		Engine:           eng,
		Approvals:        approvals,
		Queries:          queries,
		Classifier:       classifier,
		Publisher:        bus,
		Defaults:         defaults,
		AlwaysAllowScope: cfg.Approval.AlwaysAllowScope,
	})

	srvCfg := server.DefaultConfig()
	if cfg.Server.Port != 0 {
		srvCfg.Port = cfg.Server.Port
	}
	if cfg.Server.Hostname != "" {
		srvCfg.Hostname = cfg.Server.Hostname
	}
	if cfg.Server.CORS != nil {
		srvCfg.EnableCORS = *cfg.Server.CORS
	}

	srv := server.New(srvCfg, server.Deps{
		Store:        st,
		Orchestrator: orch,
		Approvals:    approvals,
		Queries:      queries,
		Bus:          bus,
	})

	return &App{
		Config:       cfg,
		Store:        st,
		Bus:          bus,
		Approvals:    approvals,
		Queries:      queries,
		Classifier:   classifier,
		Orchestrator: orch,
		Server:       srv,
		MCP:          mcpClient,
		workDir:      defaults.WorkDir,
	}, nil
}

// NewEngine creates the engine selected by cfg.Engine.Type. The native
// engine also gets the tools of mcpClient, which may be nil.
func NewEngine(cfg *types.Config, mcpClient *mcp.Client) (engine.Engine, error) {
	switch cfg.Engine.Type {
	case "", types.EngineClaudeCode:
		return claudecode.New(cfg.Engine.ClaudeCode), nil
	case types.EngineNative:
		tools := tool.DefaultRegistry()
		if n := mcp.Register(mcpClient, tools); n > 0 {
			logging.Component("app").Info().Int("tools", n).Msg("registered mcp tools")
		}
		return native.New(native.ProviderFactory(cfg.Engine.Native, cfg.Provider), tools), nil
	case types.EngineScript:
		if cfg.Engine.Script.File == "" {
			return nil, errors.New("engine.script.file is required for the script engine")
		}
		eng, err := script.Load(cfg.Engine.Script.File)
		if err != nil {
			return nil, err
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Engine.Type)
	}
}

// ConnectMCP connects every configured MCP server. A server that fails to
// connect is logged and skipped. It returns nil when none is configured.
func ConnectMCP(ctx context.Context, servers map[string]types.MCPServerConfig) *mcp.Client {
	if len(servers) == 0 {
		return nil
	}
	log := logging.Component("app")
	client := mcp.NewClient()
	for name, cfg := range servers {
		if err := client.AddServer(ctx, name, cfg); err != nil {
			log.Warn().Err(err).Str("server", name).Msg("mcp server unavailable")
		}
	}
	return client
}

// Reload applies the settings that can change while the server runs.
func (a *App) Reload(cfg *types.Config) {
	a.Approvals.SetTimeout(cfg.Approval.Timeout())
	a.Classifier.Update(cfg.Approval)
	a.Orchestrator.SetAlwaysAllowScope(cfg.Approval.AlwaysAllowScope)

	defaults := cfg.Defaults
	if defaults.WorkDir == "" {
		defaults.WorkDir = a.workDir
	}
	a.Orchestrator.SetDefaults(defaults)

	logging.Component("app").Debug().
		Dur("approvalTimeout", cfg.Approval.Timeout()).
		Int("dangerousPaths", len(cfg.Approval.DangerousPaths)).
		Msg("applied reloaded configuration")
}

// Close shuts the server down and releases the store and bus.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.MCP != nil {
		if err := a.MCP.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package testutil starts real agentchat servers for the citest suites.
package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/app"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/config"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine/script"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/client"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// TestServer wraps a running server for testing.
type TestServer struct {
	App     *app.App
	BaseURL string
	TempDir string
}

// TestServerOption configures TestServer.
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	scenarios string
	backend   string
	mutate    func(*types.Config)
}

// WithScenarios sets the YAML played by the script engine.
func WithScenarios(yaml string) TestServerOption {
	return func(c *testServerConfig) {
		c.scenarios = yaml
	}
}

// WithStoreBackend selects the store backend ("file" or "sqlite").
func WithStoreBackend(backend string) TestServerOption {
	return func(c *testServerConfig) {
		c.backend = backend
	}
}

// WithConfig edits the configuration before the server is built.
func WithConfig(fn func(*types.Config)) TestServerOption {
	return func(c *testServerConfig) {
		c.mutate = fn
	}
}

// StartTestServer creates and starts a server backed by the script engine.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{scenarios: DefaultScenarios, backend: types.StoreFile}
	for _, opt := range opts {
		opt(cfg)
	}

	// Provider keys and log settings for local runs
	_ = godotenv.Load("../../.env")

	tempDir, err := os.MkdirTemp("", "agentchat-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	eng, err := script.Parse([]byte(cfg.scenarios))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	appConfig := config.Default()
	appConfig.Engine.Type = types.EngineScript
	appConfig.Store.Backend = cfg.backend
	appConfig.Server.Port = port
	appConfig.Server.Hostname = "127.0.0.1"
	if cfg.mutate != nil {
		cfg.mutate(appConfig)
	}

	a, err := app.New(appConfig, app.Options{
		WorkDir:      tempDir,
		StoragePath:  filepath.Join(tempDir, "storage"),
		DatabasePath: filepath.Join(tempDir, "agentchat.db"),
		Engine:       eng,
	})
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	go func() {
		_ = a.Server.Start()
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		a.Close(context.Background())
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{App: a, BaseURL: baseURL, TempDir: tempDir}, nil
}

// Client returns an API client for this server.
func (ts *TestServer) Client() *client.Client {
	return client.New(ts.BaseURL)
}

// Stop shuts down the server and removes its data.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ts.App.Close(ctx)
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

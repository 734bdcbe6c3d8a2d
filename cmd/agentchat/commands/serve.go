package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/app"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/config"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveEngine   string
	serveNoWatch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentchat server",
	Long: `Start agentchat as a server that exposes an HTTP and WebSocket API.

Each chat turn is streamed back as server-sent events. Tool calls wait for
POST /api/chat/approve and a running turn stops on POST /api/chat/abort.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 8080)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config, 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().StringVar(&serveEngine, "engine", "", "Engine to use (claude-code|native|script)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the config when it changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if logLevel == "" && os.Getenv("AGENTCHAT_LOG_LEVEL") == "" && appConfig.LogLevel != "" {
		logLevel = appConfig.LogLevel
		initLogging()
	}

	if servePort != 0 {
		appConfig.Server.Port = servePort
	}
	if serveHostname != "" {
		appConfig.Server.Hostname = serveHostname
	}
	if serveEngine != "" {
		appConfig.Engine.Type = serveEngine
	}
	if err := config.Validate(appConfig); err != nil {
		return err
	}

	a, err := app.New(appConfig, app.Options{
		WorkDir:      workDir,
		StoragePath:  paths.StoragePath(),
		DatabasePath: paths.DatabasePath(),
	})
	if err != nil {
		return err
	}

	log := logging.Component("serve")
	log.Info().
		Str("version", Version).
		Str("workDir", workDir).
		Str("engine", appConfig.Engine.Type).
		Str("store", appConfig.Store.Backend).
		Msg("starting agentchat server")

	if !serveNoWatch {
		watcher, err := config.NewWatcher(workDir, a.Reload)
		if err != nil {
			log.Warn().Err(err).Msg("config watcher disabled")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", "http://"+a.Server.Addr()).Msg("server listening")
		if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			a.Close(context.Background())
			return err
		}
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}

// Package commands provides the CLI commands for agentchat.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/config"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	logToFile bool
)

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "agentchat - chat with a coding agent, one approval at a time",
	Long: `agentchat runs a chat server in front of a coding agent. Every tool call
the agent wants to make is held until a client allows or denies it.

Run 'agentchat serve' to start the server and 'agentchat chat' to talk to it.`,
	Version:       Version,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "Also write JSON logs to the state directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentchat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

func initLogging() {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(levelOrEnv())
	cfg.Pretty = printLogs
	if logToFile {
		cfg.LogToFile = true
		cfg.LogDir = config.GetPaths().LogPath()
	}
	logging.Init(cfg)
}

func levelOrEnv() string {
	if logLevel != "" {
		return logLevel
	}
	if v := os.Getenv("AGENTCHAT_LOG_LEVEL"); v != "" {
		return v
	}
	return "INFO"
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

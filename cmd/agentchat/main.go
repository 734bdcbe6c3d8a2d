// Package main is the entry point for the agentchat CLI.
package main

import (
	"os"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/cmd/agentchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

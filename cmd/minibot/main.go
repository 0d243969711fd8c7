// Package main is the minibot CLI: a single-user agent runtime that connects
// an OpenAI-compatible model to local tools, sessions, and schedulers.
//
// Start the long-running service:
//
//	minibot serve --config minibot.yaml
//
// Talk to the agent interactively:
//
//	minibot chat
//
// One-shot question:
//
//	minibot chat "what changed in the workspace today?"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "minibot",
		Short:         "A small personal AI agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: $MINIBOT_CONFIG or ~/.minibot/config.yaml)")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildChatCmd(&configPath),
		buildStatusCmd(&configPath),
		buildCronCmd(&configPath),
	)
	return root
}

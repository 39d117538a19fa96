// Command leadflow runs the lead qualification orchestrator.
//
// Usage:
//
//	leadflow serve --config leadflow.yaml   # gRPC + HTTP server
//	leadflow chat --session demo            # interactive session on stdin
//	leadflow replay < transcript.json       # run a transcript, print outcomes
//	leadflow analyze < conversation.json    # facts, score and stage of a conversation
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "leadflow",
		Short:         "Conversational lead qualification orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newReplayCmd(opts),
		newAnalyzeCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"version":    Version,
				"build_time": BuildTime,
			})
		},
	}
}

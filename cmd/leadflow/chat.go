package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		aggregate bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the orchestrator from the terminal, one message per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !aggregate {
				cfg.AggregationWindowSeconds = 0
			}
			a, err := newApp(cfg, logger, writerDeliverer{w: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()

			ctx := cmd.Context()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				out, err := a.orch.HandleTurn(ctx, sessionID, line, ledger.ProvenanceLive)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					continue
				}
				if out.Flagged() {
					fmt.Fprintf(cmd.ErrOrStderr(), "(flagged for manual follow-up: %s)\n", out.TerminalReason)
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if err := a.orch.EndSession(ctx, sessionID); err != nil && !errors.Is(err, kernel.ErrSessionNotFound) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "terminal", "session id")
	cmd.Flags().BoolVar(&aggregate, "aggregate", false, "buffer lines for the configured aggregation window")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/runtime"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/scoring"
)

// =============================================================================
// REPLAY
// =============================================================================

// transcript is the replay input.
type transcript struct {
	SessionID string   `json:"session_id"`
	History   []string `json:"history,omitempty"`
	Messages  []string `json:"messages"`
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Run a JSON transcript from stdin and print one outcome per message",
		Long: `Reads {"session_id": "...", "history": [...], "messages": [...]} from stdin.
History is imported first; each message then runs as one live turn with
aggregation disabled. Outcomes are written to stdout as JSON lines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			var in transcript
			if err := readJSON(cmd.InOrStdin(), &in); err != nil {
				return err
			}
			if strings.TrimSpace(in.SessionID) == "" {
				in.SessionID = "replay"
			}

			cfg.AggregationWindowSeconds = 0
			cfg.InboundPerMinute = 0
			a, err := newApp(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.Background()) }()

			return runReplay(cmd.Context(), a.orch, in, cmd.OutOrStdout())
		},
	}
}

func runReplay(ctx context.Context, orch *kernel.Orchestrator, in transcript, w io.Writer) error {
	if len(in.History) > 0 {
		if _, err := orch.ImportHistory(ctx, in.SessionID, in.History); err != nil {
			return fmt.Errorf("importing history: %w", err)
		}
	}
	for i, msg := range in.Messages {
		if strings.TrimSpace(msg) == "" {
			continue
		}
		out, err := orch.HandleTurn(ctx, in.SessionID, msg, ledger.ProvenanceLive)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		if err := writeJSON(w, out); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ANALYZE
// =============================================================================

type conversationEntry struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

type conversation struct {
	Messages []conversationEntry `json:"messages"`
}

type analysisReport struct {
	Facts    map[string]any `json:"facts"`
	Score    map[string]any `json:"score"`
	Analysis map[string]any `json:"analysis"`
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Extract facts, score and stage from a JSON conversation on stdin",
		Long: `Reads {"messages": [{"author": "customer", "text": "..."}, ...]} from stdin.
Authors other than "customer" are treated as role replies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			var in conversation
			if err := readJSON(cmd.InOrStdin(), &in); err != nil {
				return err
			}
			p, err := runtime.NewTurnPipeline(cfg, agents.TemplateGenerator{}, nil, logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), analyze(p, in))
		},
	}
}

// analyze runs the extractor, scorer and analyzer over a finished
// conversation, customer message by customer message.
func analyze(p *runtime.TurnPipeline, in conversation) analysisReport {
	var entries []ledger.Utterance
	fs := facts.NewFactSet()
	score := scoring.Record{Score: scoring.MinScore}
	turns := 0

	for _, m := range in.Messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		author := ledger.AuthorCustomer
		if m.Author != "" && m.Author != string(ledger.AuthorCustomer) {
			author = ledger.RoleAuthor(m.Author)
		}
		if author != ledger.AuthorCustomer {
			entries = append(entries, ledger.NewUtterance(author, text, ledger.ProvenanceLive))
			continue
		}

		extracted := p.Extractor.Extract(text, entries)
		entries = append(entries, ledger.NewUtterance(author, text, ledger.ProvenanceLive))
		fs = fs.Merge(extracted)
		fs = fs.Merge(p.Analyzer.Analyze(entries, fs).Captured)
		turns++
		score = p.Scorer.Score(fs, score.Score, turns)
	}

	return analysisReport{
		Facts:    fs.ToMap(),
		Score:    score.ToMap(),
		Analysis: p.Analyzer.Analyze(entries, fs).ToMap(),
	}
}

func readJSON(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

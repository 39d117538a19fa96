package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/commbus"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/llm"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/store"
)

const (
	busQueryTimeout     = 5 * time.Second
	busFailureThreshold = 5
	busResetTimeout     = 30 * time.Second
)

// app is the wired orchestrator with its collaborators.
type app struct {
	cfg    *config.CoreConfig
	logger logging.Logger
	store  store.Persister
	bus    *commbus.InMemoryCommBus
	orch   *kernel.Orchestrator
}

func loadConfig(opts *rootOptions) (*config.CoreConfig, logging.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp wires the store, generator, bus and orchestrator from cfg.
func newApp(cfg *config.CoreConfig, logger logging.Logger, deliverer kernel.Deliverer) (*app, error) {
	persister, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	gen, err := llm.FromConfig(cfg, logger)
	if err != nil {
		_ = persister.Close()
		return nil, err
	}

	bus := commbus.NewInMemoryCommBus(busQueryTimeout, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(
		busFailureThreshold,
		busResetTimeout,
		[]string{commbus.TypeHealthCheckRequest, commbus.TypeGetSessionSnapshot},
		logger,
	))

	orch, err := kernel.New(kernel.Options{
		Config:    cfg,
		Generator: gen,
		Persister: persister,
		Deliverer: deliverer,
		Bus:       bus,
		Logger:    logger,
	})
	if err != nil {
		_ = persister.Close()
		return nil, err
	}
	if err := orch.RegisterHandlers(bus); err != nil {
		_ = persister.Close()
		return nil, err
	}

	logger.Info("app_wired",
		"store", persister.Driver(),
		"llm_provider", cfg.LLM.Provider,
		"aggregation_window_ms", cfg.AggregationWindow().Milliseconds(),
	)
	return &app{cfg: cfg, logger: logger, store: persister, bus: bus, orch: orch}, nil
}

func (a *app) close(ctx context.Context) error {
	err := a.orch.Close(ctx)
	if cerr := a.store.Close(); cerr != nil && !errors.Is(cerr, store.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	_ = logging.Sync(a.logger)
	return err
}

// writerDeliverer prints delivered replies, one per line.
type writerDeliverer struct {
	w io.Writer
}

func (d writerDeliverer) Deliver(ctx context.Context, sessionID, role, text string) error {
	_, err := fmt.Fprintf(d.w, "[%s] %s\n", role, text)
	return err
}

// logDeliverer records replies in the log. It stands in for a messaging
// channel integration.
type logDeliverer struct {
	logger logging.Logger
}

func (d logDeliverer) Deliver(ctx context.Context, sessionID, role, text string) error {
	d.logger.Info("reply_delivered", "session_id", sessionID, "role", role, "text", text)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

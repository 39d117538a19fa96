package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	leadgrpc "github.com/jeeves-cluster-organization/leadflow/coreengine/grpc"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/observability"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC turn service and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    1,
	})
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, logDeliverer{logger: logger})
	if err != nil {
		return err
	}
	a.orch.StartCleanupLoop(a.orch.CleanupConfig())

	grpcServer := leadgrpc.NewGracefulServer(leadgrpc.NewTurnServer(a.orch, logger), cfg.Server.GRPCAddr, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           newRouter(a.orch, a.bus, cfg.Server.AllowedOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("leadflow_starting",
		"version", Version,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("http_server_started", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	logger.Info("leadflow_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

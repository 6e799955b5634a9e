package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/api"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/config"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/kernel"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/observability"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/trust"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	tel, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	k, err := kernel.New(ctx, cfg, kernel.WithLogger(logger), kernel.WithTelemetry(tel))
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := k.Close(sctx); err != nil {
			logger.Error("kernel close", "error", err)
		}
	}()

	report, err := k.Start(ctx)
	if err != nil {
		return err
	}
	for name, ferr := range report.Failed {
		logger.Warn("overlay failed to load", "overlay", name, "error", ferr)
	}

	apiOpts := []api.Option{
		api.WithLogger(logger.With("component", "api")),
		api.WithRateLimit(cfg.Server.RatePerIP, cfg.Server.RateBurst),
	}
	if cfg.Trust.Key != "" {
		apiOpts = append(apiOpts, api.WithTokenCodec(trust.NewTokenCodec([]byte(cfg.Trust.Key), cfg.Trust.Issuer)))
	} else {
		logger.Warn("trust.key not set; API callers run with anonymous sandbox trust")
	}
	srv := api.HTTPServer(cfg.Server.Addr, api.NewServer(k, apiOpts...), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
	"github.com/c0deZ3R0/go-mailbox-kit/transport/httptransport"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay over HTTP and run retention cleanup",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collector metrics.Collector = metrics.NoOp{}
	opts := append(cfg.Server.HTTP.Options(), httptransport.WithServerLogger(logger))
	if cfg.Server.Metrics {
		prom := metrics.NewPrometheus(prometheus.NewRegistry())
		collector = prom
		opts = append(opts, httptransport.WithMetricsHandler(prom.Handler()))
	}

	store, err := openStore(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.LogError(context.Background(), err, "failed to close store")
		}
	}()

	srv := httptransport.NewServer(cfg.Server.Addr, httptransport.NewHandler(store, opts...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("backend", cfg.Server.Store.Backend),
			slog.Bool("metrics", cfg.Server.Metrics),
		)
		if err := srv.ListenAndServe(); !httptransport.IsServerClosed(err) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := store.RunCleanup(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reloadLogLevel(cmd, logger)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

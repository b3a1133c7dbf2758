package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	ihttp "github.com/fyrsmithlabs/ingestd/internal/http"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
	"github.com/fyrsmithlabs/ingestd/internal/reconcile"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, needs{broker: true, progress: true}, runServer)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the indexing, reconcile and cleanup queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, needs{broker: true, progress: true}, runWorkers)
		},
	}
}

func newDevCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Run the API and workers in one process with an embedded NATS server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ns, err := queue.StartEmbedded(queue.EmbeddedConfig{StoreDir: cfg.NATS.StoreDir})
			if err != nil {
				return err
			}
			defer func() {
				ns.Shutdown()
				ns.WaitForShutdown()
			}()
			cfg.NATS.URL = ns.ClientURL()

			return withApp(cmd.Context(), cfg, needs{broker: true, progress: true}, func(ctx context.Context, a *app) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return runServer(ctx, a) })
				g.Go(func() error { return runWorkers(ctx, a) })
				return g.Wait()
			})
		},
	}
}

// withApp builds the components, runs fn and releases everything once fn
// returns.
func withApp(ctx context.Context, cfg *config.Config, n needs, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, cfg, n)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()
	return fn(ctx, a)
}

// runServer serves HTTP until ctx is done, then drains in-flight requests.
func runServer(ctx context.Context, a *app) error {
	srv, err := ihttp.NewServer(ihttp.Deps{
		Search:     a.index,
		Files:      a.intake,
		Lookup:     a.store,
		Progress:   a.progress,
		Reconciler: a.reconciler,
		Telemetry:  a.tel,
		Checks:     a.checks(),
	}, a.logger, httpConfig(a.cfg))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// runWorkers consumes every queue and schedules periodic reconciliation
// until ctx is done. In-flight jobs finish first.
func runWorkers(ctx context.Context, a *app) error {
	a.logger.Info(ctx, "starting workers",
		zap.Strings("reconcile_tenants", a.cfg.Reconcile.Tenants),
		zap.Duration("reconcile_interval", a.cfg.Reconcile.Interval.Duration()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.broker.Consume(ctx, queue.Indexing, a.pipeline.Handle) })
	g.Go(func() error { return a.broker.Consume(ctx, queue.Reconcile, a.reconciler.Handle) })
	g.Go(func() error { return a.broker.Consume(ctx, queue.Cleanup, a.intake.HandleCleanup) })
	g.Go(func() error {
		reconcile.Schedule(ctx, a.broker, a.cfg.Reconcile.Tenants, a.cfg.Reconcile.Interval.Duration(), a.logger)
		return nil
	})

	start := time.Now()
	err := g.Wait()
	a.logger.Info(context.WithoutCancel(ctx), "workers stopped", zap.Duration("uptime", time.Since(start)))
	return err
}

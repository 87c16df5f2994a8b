package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OnslaughtSnail/bibforge/internal/httpapi"
	"github.com/OnslaughtSnail/bibforge/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the session collector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			ctx := cmd.Context()
			shutdownTracing, err := observability.SetupTracing(observability.TracingConfig{
				Stdout: cfg.Trace.Stdout,
				Writer: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			a, err := wireApp(ctx, cfg, wireOptions{console: cmd.ErrOrStderr(), withRunner: true})
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	router := httpapi.NewRouter(httpapi.Deps{
		Service:   a.pipeline,
		History:   a.ledger,
		Sessions:  a.registry,
		Gatherer:  a.prom,
		Logger:    a.logger,
		BodyLimit: int64(a.pipeline.Config().MaxInputBytes) * 2,
	})
	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	if err := a.collector.Start(ctx); err != nil {
		return err
	}
	group.Go(func() error {
		<-ctx.Done()
		a.collector.Stop()
		return nil
	})
	if a.cfg.Styles.Watch {
		group.Go(func() error {
			if err := a.catalog.Watch(ctx); err != nil {
				a.logger.Warn("style watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	group.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("http server shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

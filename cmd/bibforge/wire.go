package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/bibforge/internal/config"
	"github.com/OnslaughtSnail/bibforge/internal/logging"
	"github.com/OnslaughtSnail/bibforge/internal/observability"
	"github.com/OnslaughtSnail/bibforge/kernel/artifact"
	"github.com/OnslaughtSnail/bibforge/kernel/compile"
	"github.com/OnslaughtSnail/bibforge/kernel/execenv"
	"github.com/OnslaughtSnail/bibforge/kernel/gc"
	"github.com/OnslaughtSnail/bibforge/kernel/ledger"
	"github.com/OnslaughtSnail/bibforge/kernel/session"
	"github.com/OnslaughtSnail/bibforge/kernel/style"
)

type app struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *session.Registry
	store     *artifact.FileStore
	catalog   *style.DirCatalog
	runner    execenv.Runner
	ledger    *ledger.Ledger
	prom      *prometheus.Registry
	metrics   *observability.Metrics
	pipeline  *compile.Pipeline
	collector *gc.Collector

	closers []func() error
}

type wireOptions struct {
	console io.Writer
	// withRunner skips sandbox probing for commands that never compile.
	withRunner bool
}

func wireApp(ctx context.Context, cfg config.Config, opts wireOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	logger, closeLog, err := logging.New(logging.Config{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		Production: cfg.Log.Production,
		Console:    opts.console,
	})
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	a.store, err = artifact.NewFileStore(cfg.Sessions.Root)
	if err != nil {
		return nil, fmt.Errorf("wire artifact store: %w", err)
	}
	a.catalog, err = style.NewDirCatalog(cfg.Styles.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("wire style catalog: %w", err)
	}
	if cfg.Ledger.Path != "" {
		a.ledger, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("wire ledger: %w", err)
		}
		a.closers = append(a.closers, a.ledger.Close)
	}

	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(a.prom)
	a.registry = session.NewRegistry()

	collector, err := gc.New(gc.Config{
		Interval:        cfg.Sessions.GCInterval,
		InactivityLimit: cfg.Sessions.InactivityLimit,
		OrphanSweep:     cfg.Sessions.OrphanSweep,
	}, gc.Deps{
		Registry: a.registry,
		Store:    a.store,
		Logger:   logger,
		Metrics:  a.metrics,
		Ledger:   a.ledger,
	})
	if err != nil {
		return nil, err
	}
	a.collector = collector

	if !opts.withRunner {
		return a, nil
	}
	runner, err := execenv.New(ctx, execenv.Config{
		Type: cfg.Sandbox.Type,
		Docker: execenv.DockerConfig{
			Image:              cfg.Sandbox.Docker.Image,
			Container:          cfg.Sandbox.Docker.Container,
			Network:            cfg.Sandbox.Docker.Network,
			WorkspaceRoot:      a.store.Root(),
			ContainerWorkspace: cfg.Sandbox.Docker.Workspace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wire sandbox: %w", err)
	}
	a.runner = runner
	a.closers = append(a.closers, func() error { return execenv.Close(runner) })

	a.pipeline, err = compile.New(compile.Config{
		TypesetCommand: cfg.Compile.TypesetCommand,
		TypesetArgs:    cfg.Compile.TypesetArgs,
		BibCommand:     cfg.Compile.BibCommand,
		BibArgs:        cfg.Compile.BibArgs,
		PassTimeout:    cfg.Compile.PassTimeout,
		IdleTimeout:    cfg.Compile.IdleTimeout,
		MaxConcurrent:  cfg.Compile.MaxConcurrent,
		MaxInputBytes:  cfg.Compile.MaxInputBytes,
		MaxLogBytes:    cfg.Compile.MaxLogBytes,
	}, compile.Deps{
		Registry: a.registry,
		Store:    a.store,
		Styles:   a.catalog,
		Runner:   runner,
		Logger:   logger,
		Metrics:  a.metrics,
		Ledger:   a.ledger,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("application wired",
		zap.String("sandbox", cfg.Sandbox.Type),
		zap.String("sessions_root", a.store.Root()),
		zap.String("styles_dir", a.catalog.Dir()),
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jonathan/storyforge/internal/config"
	"github.com/jonathan/storyforge/internal/contextgate"
	"github.com/jonathan/storyforge/internal/critique"
	"github.com/jonathan/storyforge/internal/db"
	"github.com/jonathan/storyforge/internal/definition"
	"github.com/jonathan/storyforge/internal/eventlog"
	"github.com/jonathan/storyforge/internal/llm"
	"github.com/jonathan/storyforge/internal/pipeline"
	"github.com/jonathan/storyforge/internal/pipeline/steps"
	"github.com/jonathan/storyforge/internal/prompts"
	"github.com/jonathan/storyforge/internal/repository"
	"github.com/jonathan/storyforge/internal/runstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	engine   *pipeline.Engine
	log      *eventlog.Log
	catalog  *definition.Catalog
	registry *prometheus.Registry
	closers  []func()
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	// generation builds the configured LLM client. Without it EXECUTION steps fail
	// with a validation error.
	generation bool
}

// buildApp wires storage, the event log, the catalog and the engine from cfg.
// Without database_url and redis_url everything lives in memory for the life of the process.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		repo    repository.Repository
		evStore eventlog.Store
	)
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		repo, evStore = database, database
	} else {
		logger.Warn().Msg("database_url not set; containers and events are kept in memory")
		mem := repository.NewMemory()
		repo, evStore = mem, eventlog.NewMemoryStore(mem)
	}

	var runs runstore.Store
	if cfg.RedisURL != "" {
		rs, err := runstore.NewRedis(ctx, cfg.RedisURL, cfg.RunTTL.Std(), logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := rs.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close run store")
			}
		})
		runs = rs
	} else {
		runs = runstore.NewMemory()
	}

	a.catalog = definition.NewCatalog(logger)
	if dirExists(cfg.DefinitionsDir) {
		n, err := a.catalog.LoadDir(ctx, cfg.DefinitionsDir)
		if err != nil {
			// Valid files are registered regardless.
			logger.Warn().Err(err).Str("dir", cfg.DefinitionsDir).Msg("some definitions failed to load")
		}
		logger.Debug().Int("count", n).Str("dir", cfg.DefinitionsDir).Msg("definitions loaded")
	}

	gate, err := contextgate.New(ctx, repo, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare context gate: %w", err)
	}

	var generator llm.Generator = llm.Disabled{}
	if opts.generation {
		generator, err = llm.NewGenerator(ctx, cfg.LLM())
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		if c, ok := generator.(io.Closer); ok {
			a.closers = append(a.closers, func() { _ = c.Close() })
		}
	}

	a.log = eventlog.New(evStore, eventlog.Options{Logger: logger, Registerer: a.registry})
	a.engine, err = pipeline.New(pipeline.Options{
		Store:   runs,
		Catalog: a.catalog,
		Log:     a.log,
		Deps: steps.Deps{
			Gate:      gate,
			Renderer:  prompts.NewRenderer(),
			Generator: generator,
			Critic:    critique.RuleCritic{},
			Retry: steps.RetryPolicy{
				MaxAttempts:     cfg.ExecutionMaxAttempts,
				InitialInterval: cfg.ExecutionInitialBackoff.Std(),
				MaxInterval:     cfg.ExecutionMaxBackoff.Std(),
			},
			CritiqueMaxRetries: cfg.CritiqueMaxRetries,
		},
		DefaultBranch: cfg.DefaultBranch,
		AuditBranch:   cfg.AuditBranch,
		Logger:        logger,
		Registerer:    a.registry,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", path).Msg("cannot stat definitions dir")
		}
		return false
	}
	return info.IsDir()
}

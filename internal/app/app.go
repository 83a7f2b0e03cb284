// Package app assembles the long-lived components of a Conductor
// process: store, blob storage, git binding resolver, event plumbing,
// agent manager, filesystem bridge, and the session engine. Commands
// build an App once and share it instead of wiring pieces ad hoc.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conductor-dev/conductor/internal/blob"
	"github.com/conductor-dev/conductor/internal/bridge"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/git"
	"github.com/conductor-dev/conductor/internal/manager"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/strategy"
)

const eventBuffer = 256

// App holds the wired components of a running Conductor process.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *state.DB
	Blobs    *blob.Store
	Resolver *strategy.Resolver
	Emitter  *events.Emitter
	Manager  *manager.Manager
	Bridge   *bridge.Bridge
	Engine   *engine.Engine
}

// New builds an App from configuration. Nothing starts running until
// Start is called; New only opens the store and constructs components.
func New(cfg *config.Config) (*App, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}

	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	blobs, err := blob.NewStore(filepath.Join(cfg.Data.Dir, "blobs"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	newRunner := func(repoPath string) git.Runner { return git.NewRunner(repoPath) }
	resolver := strategy.NewResolver(db, cfg.WorktreeDir(), newRunner, logger)
	emitter := events.NewEmitter(eventBuffer, logger)

	mgr := manager.New(db, blobs, resolver, emitter, manager.Options{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		DataDir: cfg.Data.Dir,
	}, nil, logger)

	eng := engine.New(db, mgr, resolver, emitter, engine.Options{
		PollInterval: cfg.Engine.PollInterval,
	}, logger)

	br := bridge.New(cfg.Database.Path, cfg.Data.Dir, emitter, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Blobs:    blobs,
		Resolver: resolver,
		Emitter:  emitter,
		Manager:  mgr,
		Bridge:   br,
		Engine:   eng,
	}, nil
}

// Start runs crash recovery and brings up the engine and the
// filesystem bridge.
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	a.Bridge.Start()
	return nil
}

// Close shuts components down in dependency order. Safe to call after
// a failed Start.
func (a *App) Close() {
	a.Bridge.Stop()
	a.Engine.Stop()
	a.Manager.Shutdown()
	a.Emitter.Close()
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("closing store", zap.Error(err))
	}
	a.Logger.Sync()
}

// newLogger builds a zap logger per the logging config.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

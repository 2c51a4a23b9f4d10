package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/engine"
	"github.com/CZERTAINLY/nbexec/internal/history"
	"github.com/CZERTAINLY/nbexec/internal/notebook"
	"github.com/CZERTAINLY/nbexec/internal/notify"
	"github.com/CZERTAINLY/nbexec/internal/supervisor"
)

// app wires the execution components from the loaded config.
type app struct {
	store      *chunkout.Store
	bus        *notify.Bus
	supervisor *supervisor.Supervisor
	runner     *notebook.Runner
	db         *sql.DB
}

func newApp(ctx context.Context) (*app, error) {
	store, err := newStore()
	if err != nil {
		return nil, err
	}

	supCfg, err := supervisor.ParseConfig("supervisor")
	if err != nil {
		return nil, fmt.Errorf("parsing supervisor config: %w", err)
	}
	sup := supervisor.New(supCfg)
	bus := notify.NewBus()

	runner := notebook.NewRunner(notebook.Config{
		TempDir:   config.TempDir,
		ContextID: config.NotebookContextID(),
		Aliases:   engine.Aliases(config.Engines),
	}, store, sup, bus)

	db, err := openHistory(ctx)
	if err != nil {
		return nil, err
	}
	if db != nil {
		runner = runner.WithHistory(history.Log{DB: db})
	}

	return &app{
		store:      store,
		bus:        bus,
		supervisor: sup,
		runner:     runner,
		db:         db,
	}, nil
}

func newStore() (*chunkout.Store, error) {
	root, err := config.CacheRoot()
	if err != nil {
		return nil, fmt.Errorf("locating cache dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return chunkout.NewStore(root), nil
}

// openHistory returns nil when the history is disabled.
func openHistory(ctx context.Context) (*sql.DB, error) {
	path, err := config.HistoryPath()
	if err != nil {
		return nil, fmt.Errorf("locating history db: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	db, err := history.InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	return db, nil
}

// Close kills running chunks and releases resources.
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var errs []error
	if err := a.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down supervisor: %w", err))
	}
	a.bus.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history db: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		slog.ErrorContext(ctx, "closing nbexec", "error", err)
	}
	return err
}

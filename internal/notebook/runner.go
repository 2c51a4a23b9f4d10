// Package notebook is the entry point running document chunks.
package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/CZERTAINLY/nbexec/internal/chunk"
	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/engine"
	"github.com/CZERTAINLY/nbexec/internal/history"
	"github.com/CZERTAINLY/nbexec/internal/log"
	"github.com/CZERTAINLY/nbexec/internal/registry"
	"github.com/CZERTAINLY/nbexec/internal/supervisor"
)

var (
	ErrChunkInProgress = errors.New("chunk execution in progress")
	ErrNotRunning      = errors.New("chunk is not running")
	ErrScriptWrite     = errors.New("writing chunk script")
	ErrSpawn           = errors.New("spawning chunk process")
)

const scriptPattern = "chunk-code*"

type Supervisor interface {
	RunCommand(ctx context.Context, cmd engine.Command, opts supervisor.Options, cb supervisor.Callbacks) error
}

// Bus receives output and completion notifications.
type Bus interface {
	chunkout.Listener
	chunk.Events
}

// History observes run starts and ends.
type History interface {
	Started(ctx context.Context, run history.Run) string
	Finished(ctx context.Context, id string, exitStatus int)
	Failed(ctx context.Context, id, reason string)
}

type Config struct {
	// TempDir holds chunk scripts, empty means os.TempDir.
	TempDir   string
	ContextID string
	Aliases   engine.Aliases
}

type Runner struct {
	cfg        Config
	store      *chunkout.Store
	registry   *registry.Registry[*chunk.Execution]
	supervisor Supervisor
	bus        Bus
	history    History
	// serializes the in-progress check with construction, which resets
	// the chunk output
	startMx sync.Mutex
}

func NewRunner(cfg Config, store *chunkout.Store, sup Supervisor, bus Bus) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      store,
		registry:   registry.New[*chunk.Execution](),
		supervisor: sup,
		bus:        bus,
	}
}

// WithHistory makes the runner record every run in h.
func (r *Runner) WithHistory(h History) *Runner {
	r.history = h
	return r
}

// RunChunk writes code to a temporary script and starts it with engine.
// It returns once the process was submitted. A failing spawn is logged,
// it is not reported to the caller.
func (r *Runner) RunChunk(ctx context.Context, docID, chunkID, engineName, code string) error {
	_, err := r.Start(ctx, docID, chunkID, engineName, code)
	if errors.Is(err, ErrSpawn) {
		return nil
	}
	return err
}

// Start is RunChunk returning the started execution. Spawn failures are
// returned as ErrSpawn.
func (r *Runner) Start(ctx context.Context, docID, chunkID, engineName, code string) (*chunk.Execution, error) {
	if err := chunkout.ValidateID(docID); err != nil {
		return nil, fmt.Errorf("document id: %w", err)
	}
	if err := chunkout.ValidateID(chunkID); err != nil {
		return nil, fmt.Errorf("chunk id: %w", err)
	}
	// the run outlives a request scoped ctx
	ctx = log.ChunkAttrs(context.WithoutCancel(ctx), docID, chunkID)

	scriptPath, err := writeScript(r.cfg.TempDir, code)
	if err != nil {
		slog.ErrorContext(ctx, "writing chunk script", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrScriptWrite, err)
	}

	cmd, err := r.cfg.Aliases.Build(engineName, scriptPath)
	if err != nil {
		removeScript(ctx, scriptPath)
		return nil, fmt.Errorf("engine %q: %w", engineName, err)
	}

	var runID string
	params := chunk.Params{
		DocID:     docID,
		ChunkID:   chunkID,
		ContextID: r.cfg.ContextID,
		Command:   cmd,
		Store:     r.store,
		Listener:  r.bus,
		Registry:  r.registry,
		Events:    r.bus,
		OnExit: func(status int) {
			if r.history != nil {
				r.history.Finished(ctx, runID, status)
			}
			removeScript(ctx, scriptPath)
		},
	}

	e, err := r.register(ctx, params)
	if err != nil {
		removeScript(ctx, scriptPath)
		return nil, err
	}

	if r.history != nil {
		runID = r.history.Started(ctx, history.Run{
			DocID:     docID,
			ChunkID:   chunkID,
			ContextID: r.cfg.ContextID,
			Command:   cmd.String(),
		})
	}

	err = r.supervisor.RunCommand(ctx, cmd, supervisor.Options{TerminateChildren: true}, e.Callbacks())
	if err != nil {
		slog.ErrorContext(ctx, "running chunk", "cmd", cmd.String(), "error", err)
		e.Abort()
		if r.history != nil {
			r.history.Failed(ctx, runID, err.Error())
		}
		removeScript(ctx, scriptPath)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return e, nil
}

func (r *Runner) register(ctx context.Context, p chunk.Params) (*chunk.Execution, error) {
	r.startMx.Lock()
	defer r.startMx.Unlock()
	if _, ok := chunk.Find(r.registry, p.DocID, p.ChunkID); ok {
		return nil, ErrChunkInProgress
	}
	e := chunk.New(ctx, p)
	if _, ok := r.registry.RegisterIfAbsent(e.Key(), e); !ok {
		return nil, ErrChunkInProgress
	}
	return e, nil
}

// Interrupt requests termination of a running chunk.
func (r *Runner) Interrupt(docID, chunkID string) error {
	e, ok := chunk.Find(r.registry, docID, chunkID)
	if !ok {
		return ErrNotRunning
	}
	e.Terminate()
	return nil
}

// Running returns the keys of chunks being executed.
func (r *Runner) Running() []registry.Key {
	return r.registry.Keys()
}

// Wait blocks until the running chunk exits and returns its exit status.
func (r *Runner) Wait(ctx context.Context, docID, chunkID string) (int, error) {
	e, ok := chunk.Find(r.registry, docID, chunkID)
	if !ok {
		return 0, ErrNotRunning
	}
	select {
	case <-e.Done():
		return e.ExitStatus(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Output returns the recorded output of a chunk.
func (r *Runner) Output(docID, chunkID string) ([]chunkout.Record, error) {
	if err := errors.Join(chunkout.ValidateID(docID), chunkout.ValidateID(chunkID)); err != nil {
		return nil, err
	}
	return r.store.ReadRecords(docID, chunkID)
}

// Store returns the chunk output store.
func (r *Runner) Store() *chunkout.Store {
	return r.store
}

func writeScript(dir, code string) (string, error) {
	f, err := os.CreateTemp(dir, scriptPattern)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(code); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeScript(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.WarnContext(ctx, "removing chunk script", "path", path, "error", err)
	}
}

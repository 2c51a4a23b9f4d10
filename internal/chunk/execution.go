// Package chunk implements a single chunk execution and the callbacks
// binding it to a supervised process.
package chunk

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/engine"
	"github.com/CZERTAINLY/nbexec/internal/log"
	"github.com/CZERTAINLY/nbexec/internal/model"
	"github.com/CZERTAINLY/nbexec/internal/registry"
	"github.com/CZERTAINLY/nbexec/internal/supervisor"
)

// Events receives the completion of an execution.
type Events interface {
	ChunkExecCompleted(ctx context.Context, ev model.ChunkCompletedEvent)
}

type Params struct {
	DocID     string
	ChunkID   string
	ContextID string
	Command   engine.Command
	Store     *chunkout.Store
	Listener  chunkout.Listener // output notifications, may be nil
	Registry  *registry.Registry[*Execution]
	Events    Events // may be nil
	// OnExit runs after the completion event was raised and the execution
	// deregistered.
	OnExit func(status int)
}

// Execution is one run of a chunk. It is shared by the registry and the
// supervisor callbacks and lives until both dropped it.
type Execution struct {
	key       registry.Key
	contextID string
	command   engine.Command
	recorder  chunkout.Recorder
	registry  *registry.Registry[*Execution]
	events    Events
	exitHook  func(status int)
	// carries log attributes into callbacks
	logCtx context.Context

	terminationRequested atomic.Bool
	exitOnce             sync.Once
	done                 chan struct{}
	exitStatus           int
}

// New creates the execution and resets the chunk output. A failing reset
// is logged, the execution is usable anyway.
func New(ctx context.Context, p Params) *Execution {
	ctx = log.ChunkAttrs(context.WithoutCancel(ctx), p.DocID, p.ChunkID)
	e := &Execution{
		key:       registry.Key{DocID: p.DocID, ChunkID: p.ChunkID},
		contextID: p.ContextID,
		command:   p.Command,
		recorder: chunkout.Recorder{
			Store:     p.Store,
			Listener:  p.Listener,
			ContextID: p.ContextID,
		},
		registry: p.Registry,
		events:   p.Events,
		exitHook: p.OnExit,
		logCtx:   ctx,
		done:     make(chan struct{}),
	}
	if err := p.Store.Reset(p.DocID, p.ChunkID); err != nil {
		slog.ErrorContext(ctx, "resetting chunk output", "error", err)
	}
	return e
}

// Register adds e to its registry, replacing any execution of the same
// chunk.
func (e *Execution) Register() {
	if prev, ok := e.registry.Register(e.key, e); ok && prev != e {
		slog.WarnContext(e.logCtx, "replaced a registered execution")
	}
}

// Find returns the execution registered for the chunk.
func Find(reg *registry.Registry[*Execution], docID, chunkID string) (*Execution, bool) {
	return reg.Lookup(registry.Key{DocID: docID, ChunkID: chunkID})
}

// Terminate asks the supervisor to kill the process at its next poll.
func (e *Execution) Terminate() {
	if !e.terminationRequested.Swap(true) {
		slog.DebugContext(e.logCtx, "termination requested")
	}
}

func (e *Execution) TerminationRequested() bool {
	return e.terminationRequested.Load()
}

func (e *Execution) DocID() string           { return e.key.DocID }
func (e *Execution) ChunkID() string         { return e.key.ChunkID }
func (e *Execution) Key() registry.Key       { return e.key }
func (e *Execution) Command() engine.Command { return e.command }
func (e *Execution) ContextID() string       { return e.contextID }

// Done is closed once the process exited.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// ExitStatus is valid after Done is closed.
func (e *Execution) ExitStatus() int {
	<-e.done
	return e.exitStatus
}

// Callbacks returns the supervisor callbacks bound to e.
func (e *Execution) Callbacks() supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStarted:  e.onStarted,
		OnContinue: e.onContinue,
		OnStdout:   e.onStdout,
		OnStderr:   e.onStderr,
		OnExit:     e.onExit,
	}
}

func (e *Execution) onStarted(pid int) {
	slog.DebugContext(e.logCtx, "chunk process started", "pid", pid, "cmd", e.command.String())
}

func (e *Execution) onContinue() bool {
	return !e.terminationRequested.Load()
}

func (e *Execution) onStdout(text string) {
	e.record(model.StreamStdout, text)
}

func (e *Execution) onStderr(text string) {
	e.record(model.StreamStderr, text)
}

func (e *Execution) record(kind model.StreamKind, text string) {
	err := e.recorder.Record(e.logCtx, e.key.DocID, e.key.ChunkID, kind, text)
	if err != nil {
		slog.ErrorContext(e.logCtx, "recording chunk output: dropped", "stream", kind.String(), "error", err)
	}
}

// Abort ends an execution whose process never started. It deregisters e
// and releases Done waiters with status -1. No completion event is raised
// and the exit hook does not run.
func (e *Execution) Abort() {
	e.exitOnce.Do(func() {
		e.registry.DeregisterIf(e.key, e)
		e.exitStatus = -1
		close(e.done)
	})
}

func (e *Execution) onExit(status int) {
	e.exitOnce.Do(func() {
		defer func() {
			e.exitStatus = status
			close(e.done)
		}()
		if e.events != nil {
			e.events.ChunkExecCompleted(e.logCtx, model.ChunkCompletedEvent{
				DocID:      e.key.DocID,
				ChunkID:    e.key.ChunkID,
				ContextID:  e.contextID,
				ExitStatus: status,
				Finished:   time.Now().UTC(),
			})
		}
		e.registry.DeregisterIf(e.key, e)
		if e.exitHook != nil {
			e.exitHook(status)
		}
	})
}

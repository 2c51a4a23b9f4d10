package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/nbexec/internal/engine"
)

var ErrSupervisorShutdown = errors.New("supervisor is shut down")

// Callbacks bind a process to its owner. Nil callbacks are skipped, a nil
// OnContinue never stops the process.
type Callbacks struct {
	OnStarted  func(pid int)
	OnContinue func() bool
	OnStdout   func(text string)
	OnStderr   func(text string)
	OnExit     func(status int)
}

type Options struct {
	// TerminateChildren kills the whole process tree, not only the
	// spawned process.
	TerminateChildren bool
	Dir               string
	Env               []string
}

type Supervisor struct {
	cfg    Config
	mx     sync.Mutex
	procs  map[uuid.UUID]*process
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:   cfg.withDefaults(),
		procs: make(map[uuid.UUID]*process),
	}
}

// RunCommand starts cmd and returns once it is running. A spawn failure
// is returned and no callback is called. Otherwise the callbacks are
// driven from a background goroutine. ctx only carries log attributes,
// its cancellation does not stop the process.
func (s *Supervisor) RunCommand(ctx context.Context, cmd engine.Command, opts Options, cb Callbacks) error {
	if cmd.Program == "" {
		return errors.New("empty command")
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrSupervisorShutdown
	}

	ctx = context.WithoutCancel(ctx)
	p, err := start(ctx, cmd, opts, cb, s.cfg)
	if err != nil {
		return fmt.Errorf("starting %s: %w", cmd, err)
	}
	id := uuid.New()
	s.procs[id] = p

	s.wg.Go(func() {
		defer s.remove(id)
		p.dispatch(ctx)
	})
	return nil
}

func (s *Supervisor) remove(id uuid.UUID) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.procs, id)
}

// Count returns the number of processes whose OnExit has not returned
// yet.
func (s *Supervisor) Count() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.procs)
}

// Shutdown rejects new commands, kills all running processes and waits
// until every OnExit returned or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mx.Lock()
	s.closed = true
	for _, p := range s.procs {
		p.stop()
	}
	s.mx.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func start(ctx context.Context, proto engine.Command, opts Options, cb Callbacks, cfg Config) (*process, error) {
	cmd := exec.Command(proto.Program, proto.Args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	setProcAttr(cmd, opts.TerminateChildren)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// the child holds its own copies
	closeAll(stdoutW, stderrW)

	slog.DebugContext(ctx, "process started", "cmd", proto.String(), "pid", cmd.Process.Pid)
	return &process{
		cmd:    cmd,
		cb:     cb,
		opts:   opts,
		cfg:    cfg,
		stdout: stdoutR,
		stderr: stderrR,
		stopCh: make(chan struct{}),
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

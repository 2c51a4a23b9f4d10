package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CZERTAINLY/nbexec/internal/model"
)

type line struct {
	kind model.StreamKind
	text string
}

type process struct {
	cmd      *exec.Cmd
	cb       Callbacks
	opts     Options
	cfg      Config
	stdout   *os.File
	stderr   *os.File
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (p *process) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// dispatch owns the process until OnExit returned.
func (p *process) dispatch(ctx context.Context) {
	pid := p.cmd.Process.Pid
	p.call(ctx, "OnStarted", func() {
		if p.cb.OnStarted != nil {
			p.cb.OnStarted(pid)
		}
	})

	lines := make(chan line, 64)
	var readers sync.WaitGroup
	readers.Go(func() { p.read(ctx, p.stdout, model.StreamStdout, lines) })
	readers.Go(func() { p.read(ctx, p.stderr, model.StreamStderr, lines) })
	go func() {
		readers.Wait()
		close(lines)
	}()

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- p.cmd.Wait()
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var (
		killed  bool
		exited  bool
		waitErr error
		drain   <-chan time.Time
		stopCh  = p.stopCh
	)
	for lines != nil || !exited {
		select {
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			p.deliver(ctx, l)
		case waitErr = <-waitCh:
			exited = true
			waitCh = nil
			ticker.Stop()
			drain = time.After(p.cfg.KillTimeout)
		case <-drain:
			slog.WarnContext(ctx, "output streams still open after exit: closing", "pid", pid)
			closeAll(p.stdout, p.stderr)
			drain = nil
		case <-ticker.C:
			if killed {
				continue
			}
			if !p.proceed(ctx) {
				slog.DebugContext(ctx, "termination requested", "pid", pid)
				p.kill(ctx, pid)
				killed = true
			}
		case <-stopCh:
			stopCh = nil
			if !killed && !exited {
				slog.DebugContext(ctx, "supervisor shutdown: killing", "pid", pid)
				p.kill(ctx, pid)
				killed = true
			}
		}
	}
	closeAll(p.stdout, p.stderr)

	status := exitStatus(p.cmd.ProcessState, waitErr)
	slog.DebugContext(ctx, "process exited", "pid", pid, "status", status)
	p.call(ctx, "OnExit", func() {
		if p.cb.OnExit != nil {
			p.cb.OnExit(status)
		}
	})
}

func (p *process) read(ctx context.Context, r io.Reader, kind model.StreamKind, out chan<- line) {
	br := bufio.NewReader(r)
	for {
		s, err := br.ReadString('\n')
		if s != "" {
			out <- line{kind: kind, text: s}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				slog.ErrorContext(ctx, "reading process output", "stream", kind.String(), "error", err)
			}
			return
		}
	}
}

func (p *process) deliver(ctx context.Context, l line) {
	switch l.kind {
	case model.StreamStdout:
		p.call(ctx, "OnStdout", func() {
			if p.cb.OnStdout != nil {
				p.cb.OnStdout(l.text)
			}
		})
	case model.StreamStderr:
		p.call(ctx, "OnStderr", func() {
			if p.cb.OnStderr != nil {
				p.cb.OnStderr(l.text)
			}
		})
	}
}

func (p *process) proceed(ctx context.Context) bool {
	ret := true
	p.call(ctx, "OnContinue", func() {
		if p.cb.OnContinue != nil {
			ret = p.cb.OnContinue()
		}
	})
	return ret
}

func (p *process) kill(ctx context.Context, pid int) {
	if p.opts.TerminateChildren {
		killTree(ctx, pid)
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "killing process", "pid", pid, "error", err)
	}
}

// call runs a callback, a panic is logged and swallowed.
func (p *process) call(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// exitStatus returns the exit code, or -1 when the process was killed by
// a signal or could not be waited for.
func exitStatus(state *os.ProcessState, err error) int {
	if state != nil {
		return state.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

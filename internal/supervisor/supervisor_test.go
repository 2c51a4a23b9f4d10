package supervisor_test

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/nbexec/internal/engine"
	"github.com/CZERTAINLY/nbexec/internal/supervisor"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects callback invocations.
type recorder struct {
	mx      sync.Mutex
	calls   []string
	stdout  []string
	stderr  []string
	started atomic.Int32
	exits   atomic.Int32
	status  atomic.Int32
	stop    atomic.Bool
	done    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) callbacks() supervisor.Callbacks {
	return supervisor.Callbacks{
		OnStarted: func(int) {
			r.started.Add(1)
			r.add("started")
		},
		OnContinue: func() bool {
			return !r.stop.Load()
		},
		OnStdout: func(text string) {
			r.mx.Lock()
			r.stdout = append(r.stdout, text)
			r.mx.Unlock()
			r.add("stdout")
		},
		OnStderr: func(text string) {
			r.mx.Lock()
			r.stderr = append(r.stderr, text)
			r.mx.Unlock()
			r.add("stderr")
		},
		OnExit: func(status int) {
			r.status.Store(int32(status))
			r.add("exit")
			if r.exits.Add(1) == 1 {
				close(r.done)
			}
		},
	}
}

func (r *recorder) add(call string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) stdoutLines() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.stdout...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("OnExit was not called")
	}
}

func requireSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not found in PATH: %v", err)
	}
	return sh
}

func newSupervisor(t *testing.T, cfg supervisor.Config) *supervisor.Supervisor {
	t.Helper()
	s := supervisor.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	s := newSupervisor(t, supervisor.Config{})

	rec := newRecorder()
	cmd := engine.Command{Program: sh, Args: []string{"-c", "echo a; echo b >&2; echo c; printf d"}}
	require.NoError(t, s.RunCommand(t.Context(), cmd, supervisor.Options{}, rec.callbacks()))
	rec.wait(t)

	require.Equal(t, []string{"a\n", "c\n", "d"}, rec.stdoutLines())
	require.Equal(t, []string{"b\n"}, rec.stderr)
	require.EqualValues(t, 1, rec.started.Load())
	require.EqualValues(t, 0, rec.status.Load())
	require.Equal(t, "started", rec.calls[0])
	require.Equal(t, "exit", rec.calls[len(rec.calls)-1])
}

func TestRunCommand_ExitStatus(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	s := newSupervisor(t, supervisor.Config{})

	rec := newRecorder()
	cmd := engine.Command{Program: sh, Args: []string{"-c", "exit 3"}}
	require.NoError(t, s.RunCommand(t.Context(), cmd, supervisor.Options{}, rec.callbacks()))
	rec.wait(t)
	require.EqualValues(t, 3, rec.status.Load())

	require.Eventually(t, func() bool { return s.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, rec.exits.Load())
}

func TestRunCommand_SpawnError(t *testing.T) {
	t.Parallel()
	s := newSupervisor(t, supervisor.Config{})

	rec := newRecorder()
	cmd := engine.Command{Program: "/nonexistent/nbexec-engine", Args: []string{"x"}}
	err := s.RunCommand(t.Context(), cmd, supervisor.Options{}, rec.callbacks())
	require.Error(t, err)
	require.Zero(t, rec.started.Load())
	require.Zero(t, rec.exits.Load())
	require.Zero(t, s.Count())

	require.Error(t, s.RunCommand(t.Context(), engine.Command{}, supervisor.Options{}, rec.callbacks()))
}

func TestRunCommand_Terminate(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	s := newSupervisor(t, supervisor.Config{
		PollInterval: 10 * time.Millisecond,
		KillTimeout:  100 * time.Millisecond,
	})

	rec := newRecorder()
	cmd := engine.Command{Program: sh, Args: []string{"-c", "echo started; sleep 30"}}
	require.NoError(t, s.RunCommand(t.Context(), cmd, supervisor.Options{}, rec.callbacks()))

	require.Eventually(t, func() bool {
		return len(rec.stdoutLines()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	rec.stop.Store(true)
	rec.wait(t)
	require.EqualValues(t, -1, rec.status.Load())
}

func TestRunCommand_TerminateChildren(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	// a surviving child would hold stdout open until the kill timeout
	s := newSupervisor(t, supervisor.Config{
		PollInterval: 10 * time.Millisecond,
		KillTimeout:  time.Minute,
	})

	rec := newRecorder()
	cmd := engine.Command{Program: sh, Args: []string{"-c", "sleep 30 & echo $!; wait"}}
	require.NoError(t, s.RunCommand(t.Context(), cmd, supervisor.Options{TerminateChildren: true}, rec.callbacks()))

	require.Eventually(t, func() bool {
		return len(rec.stdoutLines()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err := strconv.Atoi(strings.TrimSpace(rec.stdoutLines()[0]))
	require.NoError(t, err)

	start := time.Now()
	rec.stop.Store(true)
	rec.wait(t)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCommand_CallbackPanic(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	s := newSupervisor(t, supervisor.Config{})

	done := make(chan int, 1)
	var lines atomic.Int32
	cb := supervisor.Callbacks{
		OnStdout: func(string) {
			lines.Add(1)
			panic("boom")
		},
		OnExit: func(status int) { done <- status },
	}
	cmd := engine.Command{Program: sh, Args: []string{"-c", "echo a; echo b"}}
	require.NoError(t, s.RunCommand(t.Context(), cmd, supervisor.Options{}, cb))

	select {
	case status := <-done:
		require.Zero(t, status)
	case <-time.After(10 * time.Second):
		t.Fatal("OnExit was not called")
	}
	require.EqualValues(t, 2, lines.Load())
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	s := supervisor.New(supervisor.Config{})

	rec := newRecorder()
	cmd := engine.Command{Program: sh, Args: []string{"-c", "sleep 30"}}
	require.NoError(t, s.RunCommand(t.Context(), cmd, supervisor.Options{TerminateChildren: true}, rec.callbacks()))
	require.Equal(t, 1, s.Count())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.EqualValues(t, 1, rec.exits.Load())
	require.Zero(t, s.Count())

	err := s.RunCommand(t.Context(), cmd, supervisor.Options{}, rec.callbacks())
	require.ErrorIs(t, err, supervisor.ErrSupervisorShutdown)
}

//go:build unix

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the child into its own process group so the group can
// be killed as a whole.
func setProcAttr(cmd *exec.Cmd, group bool) {
	if group {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

func killGroup(ctx context.Context, pid int) {
	// negative pid addresses the process group
	err := unix.Kill(-pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		slog.WarnContext(ctx, "killing process group", "pid", pid, "error", err)
	}
	err = unix.Kill(pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		slog.WarnContext(ctx, "killing process", "pid", pid, "error", err)
	}
}

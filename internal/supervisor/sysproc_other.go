//go:build !unix

package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd, bool) {}

func killGroup(ctx context.Context, pid int) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := p.Kill(); err != nil {
		slog.DebugContext(ctx, "killing process", "pid", pid, "error", err)
	}
}

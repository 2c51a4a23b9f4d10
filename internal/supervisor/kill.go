package supervisor

import (
	"context"
	"log/slog"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// descendants lists the whole tree below pid, parents first. It is
// collected before anything is killed, as killed parents get their
// children reparented.
func descendants(pid int32) []*gopsprocess.Process {
	p, err := gopsprocess.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var ret []*gopsprocess.Process
	for _, c := range children {
		ret = append(ret, c)
		ret = append(ret, descendants(c.Pid)...)
	}
	return ret
}

// killTree kills pid with its process group and all its descendants.
func killTree(ctx context.Context, pid int) {
	tree := descendants(int32(pid))
	killGroup(ctx, pid)
	for _, p := range tree {
		if err := p.Kill(); err != nil {
			slog.DebugContext(ctx, "killing descendant", "pid", p.Pid, "error", err)
		}
	}
}

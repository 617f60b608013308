package process

import (
	"context"
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// procInfo is what the OS reports about a pid.
type procInfo struct {
	Alive    bool
	Name     string
	Username string
	Cmdline  []string
	// StartedMillis is the OS-reported creation time, 0 when unknown.
	StartedMillis int64
}

// inspector looks up a pid; a missing process is not an error.
type inspector func(ctx context.Context, pid int) (procInfo, error)

func inspectPID(ctx context.Context, pid int) (procInfo, error) {
	if pid <= 0 {
		return procInfo{}, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
		return procInfo{}, nil
	}
	if err != nil {
		return procInfo{}, err
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return procInfo{}, nil
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 && st[0] == gopsproc.Zombie {
		return procInfo{}, nil
	}
	info := procInfo{Alive: true}
	// The remaining fields are informational; permission errors leave them empty.
	info.Name, _ = p.NameWithContext(ctx)
	info.Username, _ = p.UsernameWithContext(ctx)
	info.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
	info.StartedMillis, _ = p.CreateTimeWithContext(ctx)
	return info, nil
}

// signalPID stops a process this launcher did not start itself, e.g. one found
// through the state file after a restart.
func signalPID(ctx context.Context, pid int, force bool) error {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	if force {
		return p.KillWithContext(ctx)
	}
	return p.TerminateWithContext(ctx)
}

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/xcubelab/internal/metrics"
	"github.com/loykin/xcubelab/pkg/template"
)

// exitSettle is how long State waits for the monitor to reap a process the OS already
// reports as gone.
const exitSettle = 200 * time.Millisecond

// run is one launched server process. exitCode is valid once done is closed.
type run struct {
	cmd      *exec.Cmd
	argv     []string
	done     chan struct{}
	exitCode int
	stdout   *tailBuffer
	stderr   *tailBuffer
}

// Launcher owns at most one server process. Start is idempotent: a running server is
// reported as is instead of being started a second time.
type Launcher struct {
	spec    Spec
	logger  *slog.Logger
	inspect inspector

	mu  sync.Mutex
	cur *run
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the launcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(ln *Launcher) {
		if l != nil {
			ln.logger = l
		}
	}
}

// NewLauncher validates spec and returns a launcher for it.
func NewLauncher(spec Spec, opts ...Option) (*Launcher, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	l := &Launcher{spec: spec, logger: slog.Default(), inspect: inspectPID}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("server", spec.Name)
	return l, nil
}

// Spec returns the effective spec.
func (l *Launcher) Spec() Spec { return l.spec }

// Start launches the server unless one is already running and returns its state.
// A server that cannot be executed at all is reported as StatusFailed with the
// reason in Stderr, not as an error; errors are reserved for local I/O failures.
func (l *Launcher) Start(ctx context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stateLocked(ctx)
	if err != nil {
		return State{}, err
	}
	if st.IsRunning() {
		l.logger.Debug("server already running", "pid", st.PID, "port", st.Port)
		return st, nil
	}

	if wrote, err := template.WriteIfMissing(l.spec.ConfigPath()); err != nil {
		return State{}, fmt.Errorf("write server config: %w", err)
	} else if wrote {
		l.logger.Info("wrote default server config", "path", l.spec.ConfigPath())
	}

	cmd := l.spec.BuildCommand()
	r := &run{
		cmd:    cmd,
		argv:   cmd.Args,
		done:   make(chan struct{}),
		stdout: newTailBuffer(0),
		stderr: newTailBuffer(0),
	}
	outW, errW, err := l.spec.Log.Writers(l.spec.Name)
	if err != nil {
		return State{}, fmt.Errorf("open server log files: %w", err)
	}
	cmd.Stdout = teeTo(r.stdout, outW)
	cmd.Stderr = teeTo(r.stderr, errW)
	closeWriters := func() {
		for _, c := range []io.Closer{outW, errW} {
			if c != nil {
				_ = c.Close()
			}
		}
	}

	if err := cmd.Start(); err != nil {
		closeWriters()
		l.logger.Error("server failed to start", "argv", r.argv, "error", err)
		metrics.IncServerStart(l.spec.Name, StatusFailed)
		return State{Port: l.spec.Port, Status: StatusFailed, Cmdline: r.argv, Stderr: err.Error()}, nil
	}
	l.cur = r
	pid := cmd.Process.Pid
	rec := stateRecord{PID: pid, Port: l.spec.Port, Cmdline: r.argv}
	if info, err := l.inspect(ctx, pid); err == nil {
		rec.StartedMillis = info.StartedMillis
	}
	if err := writeStateFile(l.spec.StateFile(), rec); err != nil {
		l.logger.Warn("failed to persist server state", "path", l.spec.StateFile(), "error", err)
	}
	l.logger.Info("server started", "pid", pid, "port", l.spec.Port, "argv", r.argv)
	metrics.IncServerStart(l.spec.Name, StatusRunning)

	go l.monitor(r, closeWriters)
	return l.stateLocked(ctx)
}

func (l *Launcher) monitor(r *run, closeWriters func()) {
	err := r.cmd.Wait()
	r.exitCode = r.cmd.ProcessState.ExitCode()
	closeWriters()
	close(r.done)

	status := StatusStopped
	if r.exitCode != 0 {
		status = StatusFailed
	}
	metrics.IncServerExit(l.spec.Name, status)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		l.logger.Warn("wait for server failed", "pid", r.cmd.Process.Pid, "error", err)
	}
	l.logger.Info("server exited", "pid", r.cmd.Process.Pid, "exit_code", r.exitCode, "status", status)
}

// State reports the server as currently observed. It returns the zero State when no
// server was ever started from this data directory.
func (l *Launcher) State(ctx context.Context) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(ctx)
}

func (l *Launcher) stateLocked(ctx context.Context) (State, error) {
	if r := l.cur; r != nil {
		return l.ownedState(ctx, r), nil
	}
	rec, ok, err := readStateFile(l.spec.StateFile())
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, nil
	}
	st := State{PID: rec.PID, Port: rec.Port, Cmdline: rec.Cmdline}
	info, err := l.inspect(ctx, rec.PID)
	if err != nil {
		return State{}, fmt.Errorf("inspect pid %d: %w", rec.PID, err)
	}
	if !rec.sameProcess(info) {
		if info.Alive {
			l.logger.Warn("recorded pid now belongs to another process", "pid", rec.PID)
		}
		st.Status = StatusStopped
		return st, nil
	}
	st.Status = StatusRunning
	st.Name, st.Username = info.Name, info.Username
	if len(info.Cmdline) > 0 {
		st.Cmdline = info.Cmdline
	}
	return st, nil
}

func (l *Launcher) ownedState(ctx context.Context, r *run) State {
	select {
	case <-r.done:
		return exitedState(r, l.spec.Port)
	default:
	}
	pid := r.cmd.Process.Pid
	info, err := l.inspect(ctx, pid)
	if err == nil && !info.Alive {
		select {
		case <-r.done:
			return exitedState(r, l.spec.Port)
		case <-time.After(exitSettle):
		}
	}
	st := State{PID: pid, Port: l.spec.Port, Status: StatusRunning, Cmdline: r.argv}
	if err == nil {
		st.Name, st.Username = info.Name, info.Username
	}
	return st
}

func exitedState(r *run, port int) State {
	code := r.exitCode
	st := State{
		PID:      r.cmd.Process.Pid,
		Port:     port,
		Status:   StatusStopped,
		Cmdline:  append([]string(nil), r.argv...),
		ExitCode: &code,
		Stdout:   r.stdout.String(),
		Stderr:   r.stderr.String(),
	}
	if code != 0 {
		st.Status = StatusFailed
	}
	return st
}

// Stop terminates the server, escalating to a kill after Spec.StopWait, and forgets it.
// Stopping a server that is not running is a no-op.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer removeStateFile(l.spec.StateFile())

	if r := l.cur; r != nil {
		l.cur = nil
		return l.stopOwned(r)
	}
	rec, ok, err := readStateFile(l.spec.StateFile())
	if err != nil || !ok {
		return err
	}
	return l.stopForeign(ctx, rec.PID)
}

func (l *Launcher) stopOwned(r *run) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	pid := r.cmd.Process.Pid
	_ = terminate(r.cmd.Process)
	select {
	case <-r.done:
		l.logger.Info("server stopped", "pid", pid)
		return nil
	case <-time.After(l.spec.StopWait):
	}
	l.logger.Warn("server ignored termination, killing", "pid", pid, "wait", l.spec.StopWait)
	_ = kill(r.cmd.Process)
	select {
	case <-r.done:
		return nil
	case <-time.After(l.spec.StopWait):
		return fmt.Errorf("server pid %d did not exit after kill", pid)
	}
}

// stopForeign stops a server recorded in the state file by an earlier launcher.
func (l *Launcher) stopForeign(ctx context.Context, pid int) error {
	info, err := l.inspect(ctx, pid)
	if err != nil || !info.Alive {
		return err
	}
	if err := signalPID(ctx, pid, false); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if l.waitGone(ctx, pid, l.spec.StopWait) {
		l.logger.Info("server stopped", "pid", pid)
		return nil
	}
	l.logger.Warn("server ignored termination, killing", "pid", pid)
	if err := signalPID(ctx, pid, true); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if !l.waitGone(ctx, pid, l.spec.StopWait) {
		return fmt.Errorf("server pid %d did not exit after kill", pid)
	}
	return nil
}

func (l *Launcher) waitGone(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if info, err := l.inspect(ctx, pid); err == nil && !info.Alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}

func teeTo(tail *tailBuffer, w io.Writer) io.Writer {
	if w == nil {
		return tail
	}
	return io.MultiWriter(tail, w)
}

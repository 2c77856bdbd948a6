package svinit

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/axondata/go-svinit/internal/unix"
)

// LocalSupervisor runs service processes as children of the current process.
// Each child gets its own process group so signals reach its descendants.
type LocalSupervisor struct {
	// Output receives the child's stdout and stderr. Nil discards them.
	Output OutputSink
	Logger *zap.Logger
}

// NewLocalSupervisor returns a LocalSupervisor writing output to sink
func NewLocalSupervisor(sink OutputSink, logger *zap.Logger) *LocalSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSupervisor{Output: sink, Logger: logger}
}

// Spawn implements Supervisor
func (s *LocalSupervisor) Spawn(ctx context.Context, d ServiceDescriptor) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d = d.WithDefaults()
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(d.Start[0], d.Start[1:]...)
	cmd.Dir = d.Dir
	cmd.Env = buildEnv(d.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sink := s.Output
	if sink == nil {
		sink = DiscardSink{}
	}
	stdout, stderr, err := sink.Open(d.Name)
	if err != nil {
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: d.Start[0], Err: err}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var notify *os.File
	if d.ReadyFD >= 3 {
		r, w, err := os.Pipe()
		if err != nil {
			_ = stdout.Close()
			_ = stderr.Close()
			return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: d.Start[0], Err: err}
		}
		// Entries before the notification fd stay closed in the child
		cmd.ExtraFiles = make([]*os.File, d.ReadyFD-2)
		cmd.ExtraFiles[d.ReadyFD-3] = w
		notify = r
		defer w.Close()
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		if notify != nil {
			_ = notify.Close()
		}
		return nil, classifySpawnError(d, err)
	}

	p := &localProcess{
		pid:   cmd.Process.Pid,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	logger.Debug("spawned process",
		zap.String("service", d.Name),
		zap.Int("pid", p.pid),
		zap.Strings("argv", d.Start))

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.status = exitStatusFromError(err)
		p.exited = true
		p.mu.Unlock()
		_ = stdout.Close()
		_ = stderr.Close()
		close(p.done)
	}()

	switch {
	case notify != nil:
		go p.awaitNotification(notify)
	case d.ReadyDelay > 0:
		go p.awaitDelay(d.ReadyDelay)
	default:
		p.markReady()
	}
	return p, nil
}

// buildEnv returns the current environment with overrides applied
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func classifySpawnError(d ServiceDescriptor, err error) *SpawnError {
	kind := SpawnOther
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		kind = SpawnMissingBinary
	case errors.Is(err, fs.ErrPermission):
		kind = SpawnPermissionDenied
	}
	return &SpawnError{Kind: kind, Service: d.Name, Path: d.Start[0], Err: err}
}

// exitStatusFromError converts the result of exec.Cmd.Wait
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Unknown: true}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Signaled: true, Signal: int(ws.Signal())}
	}
	return ExitStatus{Code: exitErr.ExitCode()}
}

type localProcess struct {
	pid       int
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	exited bool
	status ExitStatus
}

func (p *localProcess) PID() int {
	return p.pid
}

func (p *localProcess) Ready() <-chan struct{} {
	return p.ready
}

func (p *localProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrNotRunning
	}
	if err := unix.KillGroup(p.pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

func (p *localProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{Unknown: true}, ctx.Err()
	}
}

func (p *localProcess) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// awaitNotification marks the process ready on the first newline written to
// the notification pipe. EOF without a newline means no readiness.
func (p *localProcess) awaitNotification(r *os.File) {
	defer r.Close()
	br := bufio.NewReader(r)
	if _, err := br.ReadString('\n'); err != nil {
		return
	}
	p.markReady()
	// Keep draining so the daemon never blocks on the pipe
	_, _ = io.Copy(io.Discard, br)
}

func (p *localProcess) awaitDelay(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		p.markReady()
	case <-p.done:
	}
}

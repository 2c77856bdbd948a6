package svinit

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/axondata/go-svinit/internal/unix"
)

// ProcessProber reports whether a process exists
type ProcessProber interface {
	Alive(ctx context.Context, pid int) (bool, error)
}

// ProberFunc adapts a function to the ProcessProber interface
type ProberFunc func(ctx context.Context, pid int) (bool, error)

// Alive implements ProcessProber
func (f ProberFunc) Alive(ctx context.Context, pid int) (bool, error) {
	return f(ctx, pid)
}

// PsutilProber probes the process table through gopsutil
type PsutilProber struct{}

// Alive implements ProcessProber. Zombies count as dead.
func (PsutilProber) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// The process may have gone between the two calls
		return exists, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

// orphanProcess is a daemon whose supervisor session was lost while the
// daemon kept running. Its exit can only be observed by polling.
type orphanProcess struct {
	pid      int
	prober   ProcessProber
	interval time.Duration
	ready    chan struct{}
	done     chan struct{}
	stop     context.CancelFunc

	mu   sync.Mutex
	gone bool
}

func adoptOrphan(pid int, prober ProcessProber, interval time.Duration) *orphanProcess {
	ctx, cancel := context.WithCancel(context.Background())
	p := &orphanProcess{
		pid:      pid,
		prober:   prober,
		interval: interval,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		stop:     cancel,
	}
	close(p.ready)
	go p.poll(ctx)
	return p
}

func (p *orphanProcess) poll(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		alive, err := p.prober.Alive(ctx, p.pid)
		if err == nil && !alive {
			p.mu.Lock()
			p.gone = true
			p.mu.Unlock()
			return
		}
	}
}

func (p *orphanProcess) PID() int {
	return p.pid
}

func (p *orphanProcess) Ready() <-chan struct{} {
	return p.ready
}

func (p *orphanProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	gone := p.gone
	p.mu.Unlock()
	if gone {
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

// Wait returns once polling observed the process gone. The exit status of a
// process that is not our child cannot be observed.
func (p *orphanProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		gone := p.gone
		p.mu.Unlock()
		if !gone {
			return ExitStatus{Unknown: true}, context.Canceled
		}
		return ExitStatus{Unknown: true}, nil
	case <-ctx.Done():
		p.stop()
		return ExitStatus{Unknown: true}, ctx.Err()
	}
}

package svinit

import (
	"context"
	"sync"
	"syscall"
	"time"
)

// fakeBehavior scripts how fakeSupervisor runs one service
type fakeBehavior struct {
	// spawnErr fails Spawn
	spawnErr error
	// exit makes the process exit with status right after spawning
	exit   bool
	status ExitStatus
	// neverReady keeps a daemon in Starting; readyAfter delays readiness
	neverReady bool
	readyAfter time.Duration
	// ignoreSignals makes only SIGKILL terminate the process
	ignoreSignals bool
	// blockSpawn makes Spawn wait for its context
	blockSpawn bool
}

// fakeSupervisor is an in-memory Supervisor. Processes run until signalled
// or until a test calls Exit.
type fakeSupervisor struct {
	mu        sync.Mutex
	behaviors map[string]fakeBehavior
	nextPID   int
	spawned   []string
	stopped   []string
	procs     map[string]*fakeProcess
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		behaviors: make(map[string]fakeBehavior),
		nextPID:   1000,
		procs:     make(map[string]*fakeProcess),
	}
}

func (f *fakeSupervisor) script(name string, b fakeBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[name] = b
}

func (f *fakeSupervisor) Spawn(ctx context.Context, d ServiceDescriptor) (Process, error) {
	f.mu.Lock()
	b := f.behaviors[d.Name]
	f.mu.Unlock()

	if b.blockSpawn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.spawnErr != nil {
		return nil, b.spawnErr
	}

	f.mu.Lock()
	f.nextPID++
	p := &fakeProcess{
		sup:    f,
		name:   d.Name,
		pid:    f.nextPID,
		ignore: b.ignoreSignals,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	f.spawned = append(f.spawned, d.Name)
	f.procs[d.Name] = p
	f.mu.Unlock()

	switch {
	case b.exit:
		p.exit(b.status, false)
	case b.neverReady:
	case b.readyAfter > 0:
		time.AfterFunc(b.readyAfter, func() { close(p.ready) })
	default:
		close(p.ready)
	}
	return p, nil
}

// Spawned returns the service names in spawn order
func (f *fakeSupervisor) Spawned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spawned...)
}

// Stopped returns the services whose processes exited on a signal, in order
func (f *fakeSupervisor) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeSupervisor) process(name string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[name]
}

// Exit makes the current process of name exit with status
func (f *fakeSupervisor) Exit(name string, status ExitStatus) {
	if p := f.process(name); p != nil {
		p.exit(status, false)
	}
}

// LoseSession makes the current process of name report a lost session
func (f *fakeSupervisor) LoseSession(name string) {
	if p := f.process(name); p != nil {
		p.exit(ExitStatus{Unknown: true}, true)
	}
}

type fakeProcess struct {
	sup    *fakeSupervisor
	name   string
	pid    int
	ignore bool
	ready  chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	status  ExitStatus
	lost    bool
	signals []syscall.Signal
}

func (p *fakeProcess) exit(status ExitStatus, lost bool) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = status
		p.lost = lost
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) PID() int {
	return p.pid
}

func (p *fakeProcess) Ready() <-chan struct{} {
	return p.ready
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.ignore && sig != syscall.SIGKILL {
		return nil
	}
	p.sup.mu.Lock()
	p.sup.stopped = append(p.sup.stopped, p.name)
	p.sup.mu.Unlock()
	p.exit(ExitStatus{Signaled: true, Signal: int(sig)}, false)
	return nil
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *fakeProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.lost {
			return p.status, ErrSessionLost
		}
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{Unknown: true}, ctx.Err()
	}
}

package svinit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/axondata/go-svinit/internal/unix"
)

// signalAckTimeout bounds how long Signal waits for the supervisor to
// acknowledge a forwarded signal
const signalAckTimeout = 5 * time.Second

// RemoteSupervisor runs each daemon under its own supervisor helper process.
// The helper is started from Command with one end of a socket pair as
// descriptor 3 and runs Supervise on it. A manager restart loses the
// session but not the daemon.
type RemoteSupervisor struct {
	// Command is the helper argv, typically "svinitd supervise"
	Command []string
	// Output receives the helper's own stdout and stderr
	Output OutputSink
	Logger *zap.Logger
	// HandshakeTimeout bounds the spawn handshake when the caller's context
	// has no deadline
	HandshakeTimeout time.Duration
}

// Spawn implements Supervisor
func (r *RemoteSupervisor) Spawn(ctx context.Context, d ServiceDescriptor) (Process, error) {
	if len(r.Command) == 0 {
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Err: errors.New("no supervisor command configured")}
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	parent, child, err := unix.Socketpair()
	if err != nil {
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: r.Command[0], Err: err}
	}

	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	cmd.ExtraFiles = []*os.File{child}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sink := r.Output
	if sink == nil {
		sink = DiscardSink{}
	}
	stdout, stderr, err := sink.Open(d.Name)
	if err != nil {
		_ = parent.Close()
		_ = child.Close()
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: r.Command[0], Err: err}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = child.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		spawnErr := classifySpawnError(d, err)
		spawnErr.Path = r.Command[0]
		return nil, spawnErr
	}
	_ = child.Close()
	go func() {
		_ = cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
	}()

	conn, err := net.FileConn(parent)
	_ = parent.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: r.Command[0], Err: err}
	}

	timeout := r.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	p, err := openSession(ctx, conn, d, timeout, logger)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	return p, nil
}

// openSession performs the spawn handshake on conn and returns the remote
// process once the supervisor reported its PID
func openSession(ctx context.Context, conn net.Conn, d ServiceDescriptor, timeout time.Duration, logger *zap.Logger) (*remoteProcess, error) {
	sess := newSession(conn)
	id := uuid.NewString()
	logger = logger.With(zap.String("service", d.Name), zap.String("session", id))

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	// Cancellation unblocks the handshake by expiring the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	fail := func(err error) (*remoteProcess, error) {
		stop()
		_ = sess.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: d.Start[0], Err: fmt.Errorf("supervisor handshake: %w", err)}
	}

	if err := sess.send(sessionMessage{Kind: msgSpawn, Session: id, Descriptor: &d}); err != nil {
		return fail(err)
	}
	reply, err := sess.recv()
	if err != nil {
		return fail(err)
	}
	if !stop() {
		// The deadline may already have been expired under us
		return fail(context.Canceled)
	}
	_ = conn.SetDeadline(time.Time{})

	switch reply.Kind {
	case msgSpawned:
	case msgSpawnError:
		_ = sess.Close()
		err := reply.Error.Err()
		if err == nil {
			err = &SpawnError{Kind: SpawnOther, Service: d.Name, Path: d.Start[0], Err: errors.New("unspecified spawn failure")}
		}
		return nil, err
	default:
		_ = sess.Close()
		return nil, &SpawnError{Kind: SpawnOther, Service: d.Name, Path: d.Start[0], Err: fmt.Errorf("supervisor handshake: unexpected %q message", reply.Kind)}
	}

	p := &remoteProcess{
		sess:    sess,
		id:      id,
		pid:     reply.PID,
		logger:     logger,
		ackTimeout: signalAckTimeout,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[uint64]chan error),
	}
	logger.Debug("supervisor session opened", zap.Int("pid", p.pid))
	go p.readLoop()
	return p, nil
}

// remoteProcess is a daemon observed through a supervisor session
type remoteProcess struct {
	sess       *session
	id         string
	pid        int
	logger     *zap.Logger
	ackTimeout time.Duration
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}

	mu      sync.Mutex
	exited  bool
	lost    bool
	status  ExitStatus
	seq     uint64
	pending map[uint64]chan error
}

func (p *remoteProcess) readLoop() {
	defer p.sess.Close()
	for {
		m, err := p.sess.recv()
		if err != nil {
			p.mu.Lock()
			p.lost = true
			p.failPendingLocked(ErrSessionLost)
			p.mu.Unlock()
			p.logger.Warn("supervisor session lost", zap.Error(err))
			close(p.done)
			return
		}
		switch m.Kind {
		case msgReady:
			p.readyOnce.Do(func() { close(p.ready) })
		case msgAck:
			p.mu.Lock()
			ch := p.pending[m.Seq]
			delete(p.pending, m.Seq)
			p.mu.Unlock()
			if ch != nil {
				ch <- ackError(m.Error)
			}
		case msgExited:
			p.mu.Lock()
			p.exited = true
			if m.Exit != nil {
				p.status = *m.Exit
			} else {
				p.status = ExitStatus{Unknown: true}
			}
			p.failPendingLocked(ErrNotRunning)
			p.mu.Unlock()
			close(p.done)
			return
		default:
			p.logger.Warn("ignoring unexpected session message", zap.String("kind", m.Kind))
		}
	}
}

func (p *remoteProcess) failPendingLocked(err error) {
	for seq, ch := range p.pending {
		ch <- err
		delete(p.pending, seq)
	}
}

func ackError(w *WireError) error {
	if w == nil {
		return nil
	}
	if w.Kind == wireNotRunning {
		return ErrNotRunning
	}
	return w.Err()
}

func (p *remoteProcess) PID() int {
	return p.pid
}

func (p *remoteProcess) Ready() <-chan struct{} {
	return p.ready
}

// Signal forwards sig through the supervisor. Once the session is lost the
// signal goes to the process group directly.
func (p *remoteProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if p.lost {
		p.mu.Unlock()
		return p.signalDirect(sig)
	}
	p.seq++
	seq := p.seq
	ch := make(chan error, 1)
	p.pending[seq] = ch
	p.mu.Unlock()

	if err := p.sess.send(sessionMessage{Kind: msgSignal, Session: p.id, Seq: seq, Signal: int(sig)}); err != nil {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
		return p.signalDirect(sig)
	}

	t := time.NewTimer(p.ackTimeout)
	defer t.Stop()
	select {
	case err := <-ch:
		if errors.Is(err, ErrSessionLost) {
			return p.signalDirect(sig)
		}
		return err
	case <-t.C:
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
		return &TimeoutError{Op: OpSignal, Timeout: p.ackTimeout}
	}
}

func (p *remoteProcess) signalDirect(sig syscall.Signal) error {
	if err := unix.KillGroup(p.pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// Wait returns the exit status reported by the supervisor, or
// ErrSessionLost if the session closed first
func (p *remoteProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.lost {
			return ExitStatus{Unknown: true}, ErrSessionLost
		}
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{Unknown: true}, ctx.Err()
	}
}

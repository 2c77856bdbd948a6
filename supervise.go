package svinit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/axondata/go-svinit/internal/unix"
)

// SessionConn returns the session socket inherited by a supervisor helper
func SessionConn() (net.Conn, error) {
	f := os.NewFile(uintptr(unix.SessionFD), "session")
	if f == nil {
		return nil, errors.New("svinit: no session descriptor")
	}
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("svinit: session descriptor: %w", err)
	}
	return conn, nil
}

// Supervise runs the supervisor side of a session on conn. It reads one
// spawn request, launches the daemon, forwards signals and reports the exit.
// The daemon outlives the manager: a closed session is logged and
// supervision continues until the daemon exits. Cancelling ctx sends the
// daemon its stop signal.
func Supervise(ctx context.Context, conn net.Conn, sink OutputSink, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sess := newSession(conn)
	defer sess.Close()

	req, err := sess.recv()
	if err != nil {
		return fmt.Errorf("reading spawn request: %w", err)
	}
	if req.Kind != msgSpawn || req.Descriptor == nil {
		return fmt.Errorf("unexpected first session message %q", req.Kind)
	}
	d := req.Descriptor.WithDefaults()
	logger = logger.With(zap.String("service", d.Name), zap.String("session", req.Session))

	proc, err := NewLocalSupervisor(sink, logger).Spawn(ctx, d)
	if err != nil {
		if sendErr := sess.send(sessionMessage{Kind: msgSpawnError, Session: req.Session, Error: toWireError(err)}); sendErr != nil {
			logger.Warn("reporting spawn failure", zap.Error(sendErr))
		}
		return err
	}
	if err := sess.send(sessionMessage{Kind: msgSpawned, Session: req.Session, PID: proc.PID()}); err != nil {
		logger.Warn("manager went away before spawn was acknowledged", zap.Error(err))
	}

	finished := make(chan struct{})
	readySent := make(chan struct{})
	go func() {
		defer close(readySent)
		select {
		case <-proc.Ready():
		case <-finished:
			select {
			case <-proc.Ready():
			default:
				return
			}
		}
		if err := sess.send(sessionMessage{Kind: msgReady, Session: req.Session}); err != nil {
			logger.Debug("reporting readiness", zap.Error(err))
		}
	}()

	go func() {
		for {
			m, err := sess.recv()
			if err != nil {
				select {
				case <-finished:
				default:
					logger.Warn("supervisor session closed, daemon keeps running", zap.Error(err))
				}
				return
			}
			if m.Kind != msgSignal {
				logger.Warn("ignoring unexpected session message", zap.String("kind", m.Kind))
				continue
			}
			sigErr := proc.Signal(syscall.Signal(m.Signal))
			ack := sessionMessage{Kind: msgAck, Session: req.Session, Seq: m.Seq, Error: toWireError(sigErr)}
			if err := sess.send(ack); err != nil {
				logger.Debug("acknowledging signal", zap.Error(err))
			}
		}
	}()

	stopOnCancel := context.AfterFunc(ctx, func() {
		_ = proc.Signal(d.StopSignal)
	})
	defer stopOnCancel()

	status, _ := proc.Wait(context.Background())
	close(finished)
	<-readySent
	logger.Info("daemon exited", zap.Int("pid", proc.PID()), zap.Stringer("status", status))
	if err := sess.send(sessionMessage{Kind: msgExited, Session: req.Session, Exit: &status}); err != nil {
		logger.Warn("reporting exit", zap.Error(err))
	}
	return nil
}

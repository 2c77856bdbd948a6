package svinit

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// attempt is one in-flight start of a service
type attempt struct {
	entry  *serviceEntry
	desc   ServiceDescriptor
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func waitFor(ctx context.Context, ch <-chan struct{}) error {
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startOne brings a single service up. It is idempotent: an Up or Done
// service succeeds immediately and an in-flight start is joined. Only a
// spawn takes a concurrency slot; a stop requested while the start waits
// for one aborts it.
func (s *Scheduler) startOne(ctx context.Context, name string) error {
	for {
		s.mu.Lock()
		e, ok := s.services[name]
		if !ok {
			s.mu.Unlock()
			return &OpError{Op: OpStart, Service: name, Err: ErrUnknownService}
		}

		switch e.machine.Current() {
		case StateUp, StateDone:
			s.mu.Unlock()
			return nil

		case StateStarting:
			wait := e.startDone
			s.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return err
			}

		case StateStopping:
			// A concurrent stop wins over this start
			wait := e.stopDone
			s.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return err
			}
			return &Failure{Service: name, Kind: FailureAborted, Diagnostic: "service was stopped while starting"}

		case StateFailed:
			var f Failure
			if e.runtime.LastFailure != nil {
				f = *e.runtime.LastFailure
			} else {
				f = Failure{Service: name, Kind: FailureInternal, Diagnostic: "service is failed"}
			}
			s.mu.Unlock()
			return &f

		default: // Down, Restarting
			stops := e.stops
			s.mu.Unlock()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}

			s.mu.Lock()
			if s.services[name] != e {
				s.mu.Unlock()
				s.sem.Release(1)
				continue
			}
			if e.stops != stops {
				s.mu.Unlock()
				s.sem.Release(1)
				return &Failure{Service: name, Kind: FailureAborted, Diagnostic: "service was stopped while waiting to start"}
			}
			if st := e.machine.Current(); st != StateDown && st != StateRestarting {
				s.mu.Unlock()
				s.sem.Release(1)
				continue
			}
			a, err := s.beginAttemptLocked(e)
			s.mu.Unlock()
			if err != nil {
				s.sem.Release(1)
				return err
			}
			err = s.runAttempt(a)
			s.sem.Release(1)
			return err
		}
	}
}

func (s *Scheduler) beginAttemptLocked(e *serviceEntry) (*attempt, error) {
	if err := s.fireLocked(e, EventStart); err != nil {
		return nil, err
	}
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.gen++
	e.proc = nil
	e.exited = nil
	e.procGone = false
	e.exitErr = nil
	e.runtime.PID = 0
	e.runtime.NextRestartAt = time.Time{}

	ctx, cancel := context.WithCancel(s.ctx)
	a := &attempt{
		entry:  e,
		desc:   e.desc,
		gen:    e.gen,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.startCancel = cancel
	e.startDone = a.done
	return a, nil
}

// runAttempt spawns the process and waits for readiness (daemons) or
// completion (oneshots), the start timeout, or cancellation by a stop
func (s *Scheduler) runAttempt(a *attempt) error {
	e, d := a.entry, a.desc
	defer func() {
		a.cancel()
		s.mu.Lock()
		if e.startDone == a.done {
			e.startDone = nil
			e.startCancel = nil
		}
		s.mu.Unlock()
		close(a.done)
	}()

	sup := s.cfg.Daemons
	if d.Kind == KindOneshot {
		sup = s.cfg.Oneshots
	}
	deadline := time.Now().Add(d.StartTimeout)
	spawnCtx, cancelSpawn := context.WithDeadline(a.ctx, deadline)
	proc, err := sup.Spawn(spawnCtx, d)
	cancelSpawn()
	if err != nil {
		if a.ctx.Err() != nil {
			return s.abortAttempt(a, nil, nil)
		}
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			s.cfg.Metrics.observeSpawnFailure(d.Name, spawnErr.Kind)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Op: OpStart, Service: d.Name, Timeout: d.StartTimeout}
		}
		return s.failAttempt(a, err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	e.proc = proc
	e.exited = exited
	e.runtime.PID = proc.PID()
	s.mu.Unlock()
	s.wg.Add(1)
	go s.watchProcess(e, a.gen, proc, exited)

	var ready <-chan struct{}
	if d.Kind == KindDaemon {
		ready = proc.Ready()
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ready:
		return s.finishAttempt(a, EventReady)

	case <-exited:
		status, exitErr := s.lastExit(e)
		if d.Kind == KindOneshot {
			if exitErr == nil && status.Success() {
				return s.finishAttempt(a, EventFinish)
			}
		} else {
			select {
			case <-ready:
				// Readiness and exit raced; go Up first so the exit is
				// handled as a crash
				return s.finishAttempt(a, EventReady)
			default:
			}
		}
		if exitErr != nil {
			return s.failAttempt(a, exitErr)
		}
		return s.failAttempt(a, &ExitError{Service: d.Name, Status: status})

	case <-timer.C:
		s.logger.Warn("start timed out",
			zap.String("service", d.Name),
			zap.Duration("timeout", d.StartTimeout))
		s.terminate(d, proc, exited, true)
		return s.failAttempt(a, &TimeoutError{Op: OpStart, Service: d.Name, Timeout: d.StartTimeout})

	case <-a.ctx.Done():
		return s.abortAttempt(a, proc, exited)
	}
}

func (s *Scheduler) lastExit(e *serviceEntry) (ExitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.exitStatus, e.exitErr
}

func (s *Scheduler) finishAttempt(a *attempt, ev Event) error {
	e := a.entry
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fireLocked(e, ev); err != nil {
		return err
	}
	e.runtime.StartedAt = time.Now()
	e.runtime.LastFailure = nil
	if ev == EventFinish {
		e.runtime.PID = 0
		return nil
	}
	if e.procGone {
		s.handleExitLocked(e)
	}
	return nil
}

func (s *Scheduler) failAttempt(a *attempt, err error) error {
	f := failureFor(a.desc.Name, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(a.entry, f)
	return &f
}

// abortAttempt handles a start cancelled by a stop: Starting, Stopping, Down
func (s *Scheduler) abortAttempt(a *attempt, proc Process, exited <-chan struct{}) error {
	e, d := a.entry, a.desc
	done := make(chan struct{})
	defer close(done)
	s.mu.Lock()
	_ = s.fireLocked(e, EventStop)
	e.stopDone = done
	s.mu.Unlock()

	forced := false
	if proc != nil {
		forced = s.terminate(d, proc, exited, true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.stopDone = nil
	e.proc = nil
	e.runtime.PID = 0
	if forced {
		s.failLocked(e, failureFor(d.Name, &TimeoutError{Op: OpStop, Service: d.Name, Timeout: d.StopTimeout}))
	} else {
		_ = s.fireLocked(e, EventStopped)
	}
	return &Failure{Service: d.Name, Kind: FailureAborted, Diagnostic: ErrAborted.Error()}
}

// terminate stops proc and reports whether SIGKILL was needed. With signal
// unset it only waits for an exit already requested by other means.
func (s *Scheduler) terminate(d ServiceDescriptor, proc Process, exited <-chan struct{}, signal bool) bool {
	if signal {
		if err := proc.Signal(d.StopSignal); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("failed to signal process",
				zap.String("service", d.Name),
				zap.Stringer("signal", d.StopSignal),
				zap.Error(err))
		}
	}

	t := time.NewTimer(d.StopTimeout)
	defer t.Stop()
	select {
	case <-exited:
		return false
	case <-t.C:
	}

	s.logger.Warn("stop timed out, killing process",
		zap.String("service", d.Name),
		zap.Int("pid", proc.PID()),
		zap.Duration("timeout", d.StopTimeout))
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Error("failed to kill process", zap.String("service", d.Name), zap.Error(err))
	}
	k := time.NewTimer(s.cfg.KillGrace)
	defer k.Stop()
	select {
	case <-exited:
	case <-k.C:
		s.logger.Error("process survived SIGKILL", zap.String("service", d.Name), zap.Int("pid", proc.PID()))
	}
	return true
}

// watchProcess waits for the exit of one process and records it. Only an
// exit while Up is handled here; during Starting and Stopping the owning
// flow reacts to the closed exited channel.
func (s *Scheduler) watchProcess(e *serviceEntry, gen uint64, proc Process, exited chan struct{}) {
	defer s.wg.Done()
	defer close(exited)

	status, err := proc.Wait(s.ctx)
	if errors.Is(err, ErrSessionLost) {
		status, err = s.reconcile(e, gen, proc)
	}
	if err != nil && !errors.Is(err, ErrSessionLost) && s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.gen != gen {
		return
	}
	e.procGone = true
	e.exitStatus = status
	e.exitErr = err
	e.runtime.LastExit = &status
	e.runtime.PID = 0

	s.logger.Info("process exited",
		zap.String("service", e.name),
		zap.Int("pid", proc.PID()),
		zap.Stringer("status", status))

	if e.machine.Current() == StateUp {
		s.handleExitLocked(e)
	}
}

// reconcile decides the fate of a process whose supervisor session was lost.
// A live process is adopted and polled until it exits.
func (s *Scheduler) reconcile(e *serviceEntry, gen uint64, proc Process) (ExitStatus, error) {
	pid := proc.PID()
	alive, err := s.cfg.Prober.Alive(s.ctx, pid)
	if err != nil || !alive {
		s.logger.Warn("supervisor session lost and process is gone",
			zap.String("service", e.name),
			zap.Int("pid", pid),
			zap.Error(err))
		return ExitStatus{Unknown: true}, ErrSessionLost
	}

	s.logger.Warn("supervisor session lost, adopting running process",
		zap.String("service", e.name),
		zap.Int("pid", pid))
	orphan := adoptOrphan(pid, s.cfg.Prober, s.cfg.ProbeInterval)
	s.mu.Lock()
	if e.gen == gen {
		e.proc = orphan
	}
	s.mu.Unlock()
	return orphan.Wait(s.ctx)
}

// handleExitLocked applies the restart policy to an exit observed while Up
func (s *Scheduler) handleExitLocked(e *serviceEntry) {
	if e.desc.Kind == KindOneshot {
		return
	}
	if errors.Is(e.exitErr, ErrSessionLost) {
		s.failLocked(e, Failure{
			Service:    e.name,
			Kind:       FailureSessionLost,
			Diagnostic: "supervisor session lost and process not found",
		})
		return
	}

	now := time.Now()
	dec := e.restart.Evaluate(e.exitStatus, now.Sub(e.runtime.StartedAt), now)
	switch {
	case dec.Restart:
		e.runtime.RestartAttempts = dec.Attempt
		e.runtime.NextRestartAt = now.Add(dec.Delay)
		_ = s.fireLocked(e, EventCrash)
		s.cfg.Metrics.observeRestart(e.name)
		s.logger.Info("scheduling restart",
			zap.String("service", e.name),
			zap.Int("attempt", dec.Attempt),
			zap.Duration("delay", dec.Delay))
		gen := e.gen
		e.restartTimer = time.AfterFunc(dec.Delay, func() {
			s.restartAfterBackoff(e, gen)
		})

	case dec.Clean:
		_ = s.fireLocked(e, EventExit)

	case errors.Is(dec.Err, ErrRestartBudgetExceeded):
		err := fmt.Errorf("%w: %d restarts within %s, last %s",
			ErrRestartBudgetExceeded, dec.Attempt, e.desc.Budget.Window, e.exitStatus)
		s.failLocked(e, failureFor(e.name, err))

	default:
		s.failLocked(e, failureFor(e.name, dec.Err))
	}
}

func (s *Scheduler) restartAfterBackoff(e *serviceEntry, gen uint64) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	if e.gen != gen || e.machine.Current() != StateRestarting {
		s.mu.Unlock()
		return
	}
	e.restartTimer = nil
	a, err := s.beginAttemptLocked(e)
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.runAttempt(a); err != nil {
		s.logger.Warn("restart failed", zap.String("service", e.name), zap.Error(err))
	}
}

// stopOne brings a single service down. Stopping a Down or Failed service
// is a no-op; a Starting service has its attempt aborted first. Only a
// stop that has a process to terminate takes a concurrency slot.
func (s *Scheduler) stopOne(ctx context.Context, name string) error {
	counted := false
	for {
		s.mu.Lock()
		e, ok := s.services[name]
		if !ok {
			s.mu.Unlock()
			return &OpError{Op: OpStop, Service: name, Err: ErrUnknownService}
		}
		if !counted {
			// starts still queued for a slot abort on this
			e.stops++
			counted = true
		}

		switch e.machine.Current() {
		case StateDown, StateFailed:
			s.mu.Unlock()
			return nil

		case StateRestarting:
			if e.restartTimer != nil {
				e.restartTimer.Stop()
				e.restartTimer = nil
			}
			e.runtime.NextRestartAt = time.Time{}
			_ = s.fireLocked(e, EventStop)
			_ = s.fireLocked(e, EventStopped)
			s.mu.Unlock()
			return nil

		case StateStarting:
			cancel, wait := e.startCancel, e.startDone
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if err := waitFor(ctx, wait); err != nil {
				return err
			}

		case StateStopping:
			wait := e.stopDone
			s.mu.Unlock()
			if err := waitFor(ctx, wait); err != nil {
				return err
			}

		default: // Up, Done
			s.mu.Unlock()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			s.mu.Lock()
			if st := e.machine.Current(); s.services[name] != e || (st != StateUp && st != StateDone) {
				s.mu.Unlock()
				s.sem.Release(1)
				continue
			}
			if err := s.fireLocked(e, EventStop); err != nil {
				s.mu.Unlock()
				s.sem.Release(1)
				return err
			}
			done := make(chan struct{})
			e.stopDone = done
			proc, exited, gone, d := e.proc, e.exited, e.procGone, e.desc
			s.mu.Unlock()
			if gone {
				proc = nil
			}
			err := s.runStop(e, d, proc, exited, done)
			s.sem.Release(1)
			return err
		}
	}
}

func (s *Scheduler) runStop(e *serviceEntry, d ServiceDescriptor, proc Process, exited <-chan struct{}, done chan struct{}) error {
	defer close(done)

	var stopErr error
	forced := false
	switch {
	case d.Kind == KindOneshot:
		if len(d.Stop) > 0 {
			stopErr = s.runStopCommand(d)
		}
	case proc == nil:
	case len(d.Stop) > 0:
		if err := s.runStopCommand(d); err != nil {
			s.logger.Warn("stop command failed, signalling instead",
				zap.String("service", d.Name),
				zap.Error(err))
			forced = s.terminate(d, proc, exited, true)
		} else {
			forced = s.terminate(d, proc, exited, false)
		}
	default:
		forced = s.terminate(d, proc, exited, true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.stopDone = nil
	e.proc = nil
	e.runtime.PID = 0

	if forced {
		f := failureFor(d.Name, &TimeoutError{Op: OpStop, Service: d.Name, Timeout: d.StopTimeout})
		s.failLocked(e, f)
		return &f
	}
	if stopErr != nil {
		f := failureFor(d.Name, stopErr)
		s.failLocked(e, f)
		return &f
	}
	_ = s.fireLocked(e, EventStopped)
	return nil
}

// runStopCommand runs the stop command of d to completion within its stop timeout
func (s *Scheduler) runStopCommand(d ServiceDescriptor) error {
	ctx, cancel := context.WithTimeout(s.ctx, d.StopTimeout)
	defer cancel()

	proc, err := s.cfg.Oneshots.Spawn(ctx, d.stopCommand())
	if err != nil {
		return err
	}
	status, err := proc.Wait(ctx)
	if err != nil {
		_ = proc.Signal(syscall.SIGKILL)
		return &TimeoutError{Op: OpStop, Service: d.Name, Timeout: d.StopTimeout}
	}
	if !status.Success() {
		return &ExitError{Service: d.Name, Status: status}
	}
	return nil
}

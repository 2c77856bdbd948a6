package svinit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SoftDependencyPolicy decides how a dependent treats soft dependencies that
// are being started in the same operation
type SoftDependencyPolicy int

const (
	// SoftProceed starts a service as soon as its hard dependencies are up
	SoftProceed SoftDependencyPolicy = iota
	// SoftWaitBounded also waits for soft dependencies in the same work set
	// to settle, for at most SchedulerConfig.SoftWait
	SoftWaitBounded
)

// String returns the string representation of a SoftDependencyPolicy
func (p SoftDependencyPolicy) String() string {
	if p == SoftWaitBounded {
		return "wait"
	}
	return "proceed"
}

// ParseSoftDependencyPolicy parses "proceed" or "wait"
func ParseSoftDependencyPolicy(s string) (SoftDependencyPolicy, error) {
	switch s {
	case "proceed", "":
		return SoftProceed, nil
	case "wait":
		return SoftWaitBounded, nil
	default:
		return SoftProceed, fmt.Errorf("unknown soft dependency policy %q", s)
	}
}

// SchedulerConfig configures a Scheduler. Zero fields take defaults.
type SchedulerConfig struct {
	// Concurrency caps the number of start and stop flows running at once
	Concurrency int
	SoftPolicy  SoftDependencyPolicy
	SoftWait    time.Duration
	// Daemons launches daemon processes
	Daemons Supervisor
	// Oneshots launches oneshots and stop commands
	Oneshots Supervisor
	// Prober checks liveness after a supervisor session is lost
	Prober        ProcessProber
	ProbeInterval time.Duration
	KillGrace     time.Duration
	Logger        *zap.Logger
	Metrics       *Metrics
	// OnTransition is called with the scheduler lock held and must not call
	// back into the scheduler
	OnTransition TransitionFunc
}

// Report is the outcome of a set operation
type Report struct {
	Op        Operation
	Succeeded []string
	Failures  []Failure
	// Warnings records soft-dependency failures that did not block anything
	Warnings []Failure `cbor:",omitempty"`
}

// Err returns a *PartialFailure when any service failed
func (r *Report) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	return &PartialFailure{Op: r.Op, Failures: r.Failures}
}

func (r *Report) record(name string, err error) {
	if err == nil {
		r.Succeeded = append(r.Succeeded, name)
		return
	}
	r.Failures = append(r.Failures, failureFor(name, err))
}

func (r *Report) sort() {
	sort.Strings(r.Succeeded)
	sort.Slice(r.Failures, func(i, j int) bool { return r.Failures[i].Service < r.Failures[j].Service })
	sort.Slice(r.Warnings, func(i, j int) bool { return r.Warnings[i].Service < r.Warnings[j].Service })
}

type serviceEntry struct {
	name    string
	desc    ServiceDescriptor
	machine *StateMachine
	restart *RestartTracker
	runtime RuntimeState

	// gen identifies the current start attempt; events of older attempts are dropped
	gen        uint64
	proc       Process
	exited     chan struct{}
	procGone   bool
	exitStatus ExitStatus
	exitErr    error

	// stops counts stop requests
	stops uint64

	startCancel  context.CancelFunc
	startDone    chan struct{}
	stopDone     chan struct{}
	restartTimer *time.Timer
}

// Scheduler owns the runtime state of every service and runs start, stop
// and restart flows against a Graph. All state changes go through fireLocked
// with mu held.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *zap.Logger
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	graph    *Graph
	services map[string]*serviceEntry
}

// NewScheduler creates a scheduler with every service of g in StateDown
func NewScheduler(g *Graph, cfg SchedulerConfig) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.SoftWait <= 0 {
		cfg.SoftWait = DefaultSoftWait
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Daemons == nil {
		cfg.Daemons = NewLocalSupervisor(LogSink{Logger: cfg.Logger}, cfg.Logger)
	}
	if cfg.Oneshots == nil {
		cfg.Oneshots = NewLocalSupervisor(LogSink{Logger: cfg.Logger}, cfg.Logger)
	}
	if cfg.Prober == nil {
		cfg.Prober = PsutilProber{}
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:      ctx,
		cancel:   cancel,
		graph:    g,
		services: make(map[string]*serviceEntry, g.Len()),
	}
	for _, name := range g.names {
		s.services[name] = s.newEntry(g.descriptors[name])
	}
	return s
}

func (s *Scheduler) newEntry(d ServiceDescriptor) *serviceEntry {
	e := &serviceEntry{
		name:    d.Name,
		desc:    d,
		restart: NewRestartTracker(d),
	}
	e.machine = NewStateMachine(d.Name, s.onTransition)
	s.cfg.Metrics.observeState(d.Name, StateDown)
	return e
}

func (s *Scheduler) onTransition(service string, from, to State) {
	s.logger.Info("service state changed",
		zap.String("service", service),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	s.cfg.Metrics.observeTransition(service, from, to)
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(service, from, to)
	}
}

// fireLocked is the single mutation path for service states
func (s *Scheduler) fireLocked(e *serviceEntry, ev Event) error {
	if err := e.machine.Fire(context.Background(), ev); err != nil {
		s.logger.Error("illegal state transition",
			zap.String("service", e.name),
			zap.String("event", string(ev)),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Scheduler) failLocked(e *serviceEntry, f Failure) {
	e.runtime.LastFailure = &f
	s.logger.Warn("service failed",
		zap.String("service", e.name),
		zap.String("kind", string(f.Kind)),
		zap.String("diagnostic", f.Diagnostic))
	_ = s.fireLocked(e, EventFail)
}

func (s *Scheduler) resetLocked(e *serviceEntry) {
	if e.machine.Current() != StateFailed {
		return
	}
	e.restart.Reset()
	e.runtime.LastFailure = nil
	e.runtime.RestartAttempts = 0
	e.runtime.NextRestartAt = time.Time{}
	_ = s.fireLocked(e, EventReset)
}

// Graph returns the graph the scheduler currently runs against
func (s *Scheduler) Graph() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// State returns the current state of name
func (s *Scheduler) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[name]
	if !ok {
		return StateDown, false
	}
	return e.machine.Current(), true
}

// Reset moves a Failed service back to Down and clears its restart history
func (s *Scheduler) Reset(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[name]
	if !ok {
		return &OpError{Op: OpStart, Service: name, Err: ErrUnknownService}
	}
	s.resetLocked(e)
	return nil
}

type flowResult struct {
	name string
	err  error
}

// StartSet brings up names and their transitive hard dependencies. Services
// whose hard dependencies are all up start concurrently, up to the
// concurrency cap. When a service fails, its transitive hard dependents are
// marked Failed without an attempt. Failed services in the work set are
// reset first. The returned error is a *PartialFailure if anything failed.
func (s *Scheduler) StartSet(ctx context.Context, names []string) (*Report, error) {
	report := &Report{Op: OpStart}

	s.mu.Lock()
	g := s.graph
	work, err := g.HardClosure(names)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	inWork := make(map[string]bool, len(work))
	completed := make(map[string]bool, g.Len())
	for _, n := range work {
		inWork[n] = true
		e := s.services[n]
		switch e.machine.Current() {
		case StateFailed:
			s.resetLocked(e)
		case StateUp, StateDone:
			completed[n] = true
			report.Succeeded = append(report.Succeeded, n)
		}
	}
	s.mu.Unlock()

	// Services outside the work set never start here
	for _, n := range g.names {
		if !inWork[n] {
			completed[n] = true
		}
	}

	results := make(chan flowResult, len(work))
	dispatched := make(map[string]bool, len(work))
	heldSince := make(map[string]time.Time)
	remaining := len(work) - len(report.Succeeded)
	inflight := 0

	for remaining > 0 {
		remaining -= s.blockDependents(g, work, completed, dispatched, report)

		wake := time.Duration(-1)
		for _, n := range g.ReadyToStart(completed) {
			if dispatched[n] {
				continue
			}
			if wait := s.softWait(g, n, inWork, completed, heldSince); wait > 0 {
				if wake < 0 || wait < wake {
					wake = wait
				}
				continue
			}
			dispatched[n] = true
			inflight++
			go func(name string) {
				results <- flowResult{name: name, err: s.startOne(ctx, name)}
			}(n)
		}

		if remaining == 0 {
			break
		}
		if inflight == 0 && wake < 0 {
			// Unreachable for a valid graph; never spin
			for _, n := range work {
				if _, settled := completed[n]; !settled {
					report.Failures = append(report.Failures, Failure{
						Service: n, Kind: FailureInternal, Diagnostic: "service could not be scheduled",
					})
				}
			}
			break
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wake >= 0 {
			timer = time.NewTimer(wake)
			timerC = timer.C
		}
		select {
		case r := <-results:
			inflight--
			remaining--
			completed[r.name] = r.err == nil
			report.record(r.name, r.err)
			if r.err != nil {
				s.recordSoftFailures(g, r.name, inWork, report)
			}
		case <-timerC:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			report.sort()
			return report, ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}

	report.sort()
	return report, report.Err()
}

// blockDependents marks every undispatched service with a failed hard
// dependency as failed, repeating until nothing changes. It returns the
// number of services it settled.
func (s *Scheduler) blockDependents(g *Graph, work []string, completed, dispatched map[string]bool, report *Report) int {
	settled := 0
	for changed := true; changed; {
		changed = false
		for _, n := range work {
			if _, done := completed[n]; done || dispatched[n] {
				continue
			}
			dep, failed := g.failedHardDependency(n, completed)
			if !failed {
				continue
			}
			completed[n] = false
			report.Failures = append(report.Failures, s.block(n, dep))
			settled++
			changed = true
		}
	}
	return settled
}

func (s *Scheduler) block(name, dep string) Failure {
	f := Failure{
		Service:    name,
		Kind:       FailureDependency,
		Dependency: dep,
		Diagnostic: fmt.Sprintf("hard dependency %s failed", dep),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.services[name]; ok && e.machine.Can(EventBlock) {
		e.runtime.LastFailure = &f
		_ = s.fireLocked(e, EventBlock)
	}
	return f
}

// softWait returns how long n should still wait for its soft dependencies,
// or zero when it may start now
func (s *Scheduler) softWait(g *Graph, n string, inWork, completed map[string]bool, heldSince map[string]time.Time) time.Duration {
	if s.cfg.SoftPolicy != SoftWaitBounded {
		return 0
	}
	pending := false
	for _, e := range g.deps[n] {
		if e.Strength != StrengthSoft || !inWork[e.To] {
			continue
		}
		if _, settled := completed[e.To]; !settled {
			pending = true
			break
		}
	}
	if !pending {
		return 0
	}
	since, ok := heldSince[n]
	if !ok {
		since = time.Now()
		heldSince[n] = since
	}
	left := s.cfg.SoftWait - time.Since(since)
	if left <= 0 {
		s.logger.Info("soft dependency wait expired", zap.String("service", n))
		return 0
	}
	return left
}

func (s *Scheduler) recordSoftFailures(g *Graph, failed string, inWork map[string]bool, report *Report) {
	for _, e := range g.dependents[failed] {
		if e.Strength != StrengthSoft || !inWork[e.From] {
			continue
		}
		s.logger.Warn("soft dependency failed",
			zap.String("service", e.From),
			zap.String("dependency", failed))
		report.Warnings = append(report.Warnings, Failure{
			Service:    e.From,
			Kind:       FailureSoftDependency,
			Dependency: failed,
			Diagnostic: fmt.Sprintf("soft dependency %s failed", failed),
		})
	}
}

// StopSet brings down names and, before them, all their transitive hard
// dependents. A service is stopped only after its hard dependents in the set
// settled. A stop that times out kills the process and marks the service
// Failed; other services continue.
func (s *Scheduler) StopSet(ctx context.Context, names []string) (*Report, error) {
	s.mu.Lock()
	g := s.graph
	work, err := g.HardDependentsClosure(names)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.stopWork(ctx, g, work)
}

func (s *Scheduler) stopWork(ctx context.Context, g *Graph, work []string) (*Report, error) {
	report := &Report{Op: OpStop}
	inWork := make(map[string]bool, len(work))
	for _, n := range work {
		inWork[n] = true
	}

	results := make(chan flowResult, len(work))
	dispatched := make(map[string]bool, len(work))
	settled := make(map[string]bool, len(work))
	inflight := 0

	for len(settled) < len(work) {
		for _, n := range work {
			if dispatched[n] || s.hasPendingDependent(g, n, inWork, settled) {
				continue
			}
			dispatched[n] = true
			inflight++
			go func(name string) {
				results <- flowResult{name: name, err: s.stopOne(ctx, name)}
			}(n)
		}
		if inflight == 0 {
			break
		}
		select {
		case r := <-results:
			inflight--
			settled[r.name] = true
			report.record(r.name, r.err)
		case <-ctx.Done():
			report.sort()
			return report, ctx.Err()
		}
	}

	report.sort()
	return report, report.Err()
}

func (s *Scheduler) hasPendingDependent(g *Graph, n string, inWork, settled map[string]bool) bool {
	for _, e := range g.dependents[n] {
		if e.Strength == StrengthHard && inWork[e.From] && !settled[e.From] {
			return true
		}
	}
	return false
}

// Signal delivers sig to the running process of name
func (s *Scheduler) Signal(name string, sig syscall.Signal) error {
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return &OpError{Op: OpSignal, Service: name, Err: ErrUnknownService}
	}
	proc := e.proc
	gone := e.procGone
	s.mu.Unlock()

	if proc == nil || gone {
		return signalError(name, ErrNotRunning)
	}
	if err := proc.Signal(sig); err != nil {
		return signalError(name, err)
	}
	return nil
}

// Status returns snapshots of the services matching filter, sorted by name
func (s *Scheduler) Status(filter StatusFilter) ([]ServiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range filter.Names {
		if _, ok := s.services[n]; !ok {
			return nil, &OpError{Op: OpStatus, Service: n, Err: ErrUnknownService}
		}
	}
	now := time.Now()
	out := make([]ServiceStatus, 0, len(s.services))
	for _, n := range s.graph.names {
		st := s.snapshotLocked(s.services[n], now)
		if filter.Match(st) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Scheduler) snapshotLocked(e *serviceEntry, now time.Time) ServiceStatus {
	rt := e.runtime
	rt.State = e.machine.Current()
	rt.RestartAttempts = e.restart.Attempts(now)
	if rt.LastExit != nil {
		exit := *rt.LastExit
		rt.LastExit = &exit
	}
	if rt.LastFailure != nil {
		f := *rt.LastFailure
		rt.LastFailure = &f
	}
	return ServiceStatus{Name: e.name, Kind: e.desc.Kind, RuntimeState: rt}
}

// Active returns the services that are not Down or Failed
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.graph.names {
		if s.services[n].machine.Current().Active() {
			out = append(out, n)
		}
	}
	return out
}

// Replace swaps in a reloaded graph. Known services keep their runtime state
// and pick up the new descriptor on their next start. Services missing from
// g are dropped; callers stop them first.
func (s *Scheduler) Replace(g *Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range g.names {
		d := g.descriptors[name]
		if e, ok := s.services[name]; ok {
			e.desc = d
			e.restart.Configure(d)
			continue
		}
		s.services[name] = s.newEntry(d)
	}
	for name, e := range s.services {
		if g.Has(name) {
			continue
		}
		if e.machine.Current().Active() {
			s.logger.Warn("dropping service that is still active", zap.String("service", name))
		}
		if e.restartTimer != nil {
			e.restartTimer.Stop()
		}
		delete(s.services, name)
		s.cfg.Metrics.forget(name)
	}
	s.graph = g
}

// Close stops every active service in reverse dependency order, then
// releases the scheduler's goroutines
func (s *Scheduler) Close(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	g := s.graph
	var active []string
	for _, n := range g.names {
		if s.services[n].machine.Current().Active() {
			active = append(active, n)
		}
	}
	s.mu.Unlock()

	report, err := s.stopWork(ctx, g, active)

	s.mu.Lock()
	for _, e := range s.services {
		if e.restartTimer != nil {
			e.restartTimer.Stop()
			e.restartTimer = nil
		}
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return report, err
}

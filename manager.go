package svinit

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Manager owns the dependency graph, the enabled set and the scheduler. It
// is the in-process implementation of Controller; Serve exposes it on a
// control socket.
type Manager struct {
	// Concurrency is the maximum number of concurrent start/stop flows
	Concurrency int
	// Timeout bounds each control request served by Serve. Zero means no
	// bound beyond the client's own.
	Timeout time.Duration
	// SoftPolicy decides how a start treats failing soft dependencies
	SoftPolicy SoftDependencyPolicy
	// SoftWait bounds the wait under SoftWaitBounded
	SoftWait time.Duration

	source       DescriptorSource
	store        EnabledStore
	logger       *zap.Logger
	metrics      *Metrics
	daemons      Supervisor
	oneshots     Supervisor
	prober       ProcessProber
	onTransition TransitionFunc

	// mu serializes changes to the enabled set and reloads
	mu      sync.Mutex
	enabled map[string]bool
	sched   *Scheduler
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithConcurrency sets the maximum number of concurrent start/stop flows
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.Concurrency = n
	}
}

// WithTimeout sets the per-request timeout for served requests
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.Timeout = d
	}
}

// WithSoftDependencyPolicy sets the soft dependency policy and its wait bound
func WithSoftDependencyPolicy(p SoftDependencyPolicy, wait time.Duration) ManagerOption {
	return func(m *Manager) {
		m.SoftPolicy = p
		m.SoftWait = wait
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithSupervisor sets the supervisor used for daemons
func WithSupervisor(s Supervisor) ManagerOption {
	return func(m *Manager) {
		m.daemons = s
	}
}

// WithOneshotSupervisor sets the supervisor used for oneshots and stop
// commands
func WithOneshotSupervisor(s Supervisor) ManagerOption {
	return func(m *Manager) {
		m.oneshots = s
	}
}

// WithEnabledStore sets where the enabled set is persisted
func WithEnabledStore(s EnabledStore) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

// WithProber sets the liveness prober used after a supervisor session is lost
func WithProber(p ProcessProber) ManagerOption {
	return func(m *Manager) {
		m.prober = p
	}
}

// WithTransitionHook registers fn to observe every state transition. It runs
// with the scheduler lock held and must not call back into the manager.
func WithTransitionHook(fn TransitionFunc) ManagerOption {
	return func(m *Manager) {
		m.onTransition = fn
	}
}

// NewManager loads descriptors from source and builds the initial graph.
// Invalid descriptors are fatal here; on Reload they leave the running graph
// untouched.
func NewManager(source DescriptorSource, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		Concurrency: DefaultConcurrency,
		SoftPolicy:  SoftProceed,
		SoftWait:    DefaultSoftWait,
		source:      source,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.Concurrency < 1 {
		m.Concurrency = 1
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.store == nil {
		m.store = NewMemoryEnabledStore()
	}

	descs, err := source.Load()
	if err != nil {
		return nil, &OpError{Op: OpReload, Err: err}
	}
	g, err := BuildGraph(descs)
	if err != nil {
		return nil, err
	}

	names, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	m.enabled = make(map[string]bool, len(names))
	for _, n := range names {
		if !g.Has(n) {
			m.logger.Warn("ignoring enabled service without descriptor", zap.String("service", n))
			continue
		}
		m.enabled[n] = true
	}

	m.sched = NewScheduler(g, SchedulerConfig{
		Concurrency:  m.Concurrency,
		SoftPolicy:   m.SoftPolicy,
		SoftWait:     m.SoftWait,
		Daemons:      m.daemons,
		Oneshots:     m.oneshots,
		Prober:       m.prober,
		Logger:       m.logger,
		Metrics:      m.metrics,
		OnTransition: m.onTransition,
	})
	return m, nil
}

// Scheduler returns the scheduler driving the services
func (m *Manager) Scheduler() *Scheduler {
	return m.sched
}

// Enabled returns the enabled set, sorted
func (m *Manager) Enabled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabledLocked()
}

func (m *Manager) enabledLocked() []string {
	names := make([]string, 0, len(m.enabled))
	for n := range m.enabled {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Boot starts the enabled set
func (m *Manager) Boot(ctx context.Context) (*Report, error) {
	names := m.Enabled()
	m.logger.Info("starting enabled services", zap.Strings("services", names))
	if len(names) == 0 {
		return &Report{Op: OpStart}, nil
	}
	return m.sched.StartSet(ctx, names)
}

// Enable adds service to the enabled set and, if start is set, starts it
// with its hard dependencies. A Failed service is reset to Down either way.
func (m *Manager) Enable(ctx context.Context, service string, start bool) (*Report, error) {
	if err := m.setEnabled(service, true, OpEnable); err != nil {
		return nil, err
	}
	if err := m.sched.Reset(service); err != nil {
		return nil, err
	}
	if !start {
		return &Report{Op: OpEnable}, nil
	}
	return m.sched.StartSet(ctx, []string{service})
}

// Disable removes service from the enabled set and, if stop is set, stops
// it together with its hard dependents
func (m *Manager) Disable(ctx context.Context, service string, stop bool) (*Report, error) {
	if err := m.setEnabled(service, false, OpDisable); err != nil {
		return nil, err
	}
	if !stop {
		return &Report{Op: OpDisable}, nil
	}
	return m.sched.StopSet(ctx, []string{service})
}

func (m *Manager) setEnabled(service string, on bool, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sched.Graph().Has(service) {
		return &OpError{Op: op, Service: service, Err: ErrUnknownService}
	}
	if m.enabled[service] == on {
		return nil
	}
	if on {
		m.enabled[service] = true
	} else {
		delete(m.enabled, service)
	}
	if err := m.store.Save(m.enabledLocked()); err != nil {
		// Keep memory and disk in agreement
		if on {
			delete(m.enabled, service)
		} else {
			m.enabled[service] = true
		}
		return &OpError{Op: op, Service: service, Err: err}
	}
	m.logger.Info("enabled set changed", zap.String("service", service), zap.Bool("enabled", on))
	return nil
}

// Start starts services and their hard dependencies
func (m *Manager) Start(ctx context.Context, services ...string) (*Report, error) {
	if len(services) == 0 {
		return nil, &RequestError{Action: ActionStart, Message: "no services named"}
	}
	return m.sched.StartSet(ctx, services)
}

// Stop stops services and their hard dependents
func (m *Manager) Stop(ctx context.Context, services ...string) (*Report, error) {
	if len(services) == 0 {
		return nil, &RequestError{Action: ActionStop, Message: "no services named"}
	}
	return m.sched.StopSet(ctx, services)
}

// Restart stops services and their hard dependents, then starts the named
// services again together with the dependents that were active before
func (m *Manager) Restart(ctx context.Context, services ...string) (*Report, error) {
	if len(services) == 0 {
		return nil, &RequestError{Action: ActionRestart, Message: "no services named"}
	}
	closure, err := m.sched.Graph().HardDependentsClosure(services)
	if err != nil {
		return nil, err
	}
	restart := append([]string(nil), services...)
	for _, n := range closure {
		if slices.Contains(services, n) {
			continue
		}
		if st, ok := m.sched.State(n); ok && st.Active() {
			restart = append(restart, n)
		}
	}

	stopped, err := m.sched.StopSet(ctx, services)
	if err != nil {
		if stopped == nil {
			return nil, err
		}
		stopped.Op = OpRestart
		return stopped, stopped.Err()
	}
	report, err := m.sched.StartSet(ctx, restart)
	if report != nil {
		report.Op = OpRestart
		err = report.Err()
	}
	return report, err
}

// Signal delivers sig to the running process of service
func (m *Manager) Signal(_ context.Context, service string, sig syscall.Signal) error {
	return m.sched.Signal(service, sig)
}

// SignalEach delivers sig to every named service concurrently and returns a
// *MultiError listing the services that could not be signalled
func (m *Manager) SignalEach(ctx context.Context, sig syscall.Signal, services ...string) error {
	if len(services) == 0 {
		return nil
	}

	sem := make(chan struct{}, m.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}

	for _, service := range services {
		wg.Add(1)
		go func(svc string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr.Add(&OpError{Op: OpSignal, Service: svc, Err: ctx.Err()})
				mu.Unlock()
				return
			}

			if err := m.sched.Signal(svc, sig); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
		}(service)
	}
	wg.Wait()

	return merr.Err()
}

// Status returns the status of services matching filter
func (m *Manager) Status(_ context.Context, filter StatusFilter) ([]ServiceStatus, error) {
	statuses, err := m.sched.Status(filter)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range statuses {
		statuses[i].Enabled = m.enabled[statuses[i].Name]
	}
	return statuses, nil
}

// Reload re-reads descriptors. An invalid set leaves the running graph
// untouched. Services that disappeared are stopped and dropped from the
// enabled set; changed descriptors apply on the next start.
func (m *Manager) Reload(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	descs, err := m.source.Load()
	if err != nil {
		return nil, &OpError{Op: OpReload, Err: err}
	}
	g, err := BuildGraph(descs)
	if err != nil {
		m.logger.Warn("rejected descriptor reload", zap.Error(err))
		return nil, err
	}

	old := m.sched.Graph()
	var removed, added []string
	for _, n := range old.Names() {
		if !g.Has(n) {
			removed = append(removed, n)
		}
	}
	for _, n := range g.Names() {
		if !old.Has(n) {
			added = append(added, n)
		}
	}

	report := &Report{Op: OpReload}
	if len(removed) > 0 {
		stopped, stopErr := m.sched.stopWork(ctx, old, removed)
		if stopped != nil {
			report.Failures = stopped.Failures
		}
		if stopErr != nil && !errors.As(stopErr, new(*PartialFailure)) {
			return report, stopErr
		}
	}
	m.sched.Replace(g)

	pruned := false
	for _, n := range removed {
		if m.enabled[n] {
			delete(m.enabled, n)
			pruned = true
		}
	}
	if pruned {
		if err := m.store.Save(m.enabledLocked()); err != nil {
			return report, &OpError{Op: OpReload, Err: err}
		}
	}

	report.Succeeded = g.Names()
	m.logger.Info("reloaded service descriptors",
		zap.Int("services", g.Len()),
		zap.Strings("added", added),
		zap.Strings("removed", removed))
	return report, report.Err()
}

// Shutdown stops every active service in reverse dependency order and
// releases the scheduler
func (m *Manager) Shutdown(ctx context.Context) (*Report, error) {
	m.logger.Info("shutting down")
	return m.sched.Close(ctx)
}

// Serve exposes the manager on a control socket until ctx is cancelled
func (m *Manager) Serve(ctx context.Context, socketPath string) error {
	srv := NewServer(socketPath, m.logger, m.metrics)
	m.Register(srv)
	return srv.Serve(ctx)
}

// Register installs the manager's handlers on srv
func (m *Manager) Register(srv *Server) {
	srv.Handle(ActionPing, func(context.Context, *Request) (any, error) {
		return GetVersion(), nil
	})
	srv.Handle(ActionEnable, m.handler(func(ctx context.Context, req *Request) (any, error) {
		if req.Service == "" {
			return nil, &RequestError{Action: req.Action, Message: "missing service"}
		}
		return m.Enable(ctx, req.Service, req.Start)
	}))
	srv.Handle(ActionDisable, m.handler(func(ctx context.Context, req *Request) (any, error) {
		if req.Service == "" {
			return nil, &RequestError{Action: req.Action, Message: "missing service"}
		}
		return m.Disable(ctx, req.Service, req.Stop)
	}))
	srv.Handle(ActionStart, m.handler(func(ctx context.Context, req *Request) (any, error) {
		return m.Start(ctx, req.Services...)
	}))
	srv.Handle(ActionStop, m.handler(func(ctx context.Context, req *Request) (any, error) {
		return m.Stop(ctx, req.Services...)
	}))
	srv.Handle(ActionRestart, m.handler(func(ctx context.Context, req *Request) (any, error) {
		return m.Restart(ctx, req.Services...)
	}))
	srv.Handle(ActionSignal, m.handler(func(ctx context.Context, req *Request) (any, error) {
		if req.Signal <= 0 {
			return nil, &RequestError{Action: req.Action, Message: "missing signal"}
		}
		sig := syscall.Signal(req.Signal)
		if len(req.Services) > 0 {
			return nil, m.SignalEach(ctx, sig, req.Services...)
		}
		if req.Service == "" {
			return nil, &RequestError{Action: req.Action, Message: "missing service"}
		}
		return nil, m.Signal(ctx, req.Service, sig)
	}))
	srv.Handle(ActionStatus, m.handler(func(ctx context.Context, req *Request) (any, error) {
		var filter StatusFilter
		if req.Filter != nil {
			filter = *req.Filter
		}
		return m.Status(ctx, filter)
	}))
	srv.Handle(ActionReload, m.handler(func(ctx context.Context, _ *Request) (any, error) {
		return m.Reload(ctx)
	}))
}

// handler applies the per-request timeout and drops typed nil reports so
// failed requests without a report carry no data
func (m *Manager) handler(fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		if m.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.Timeout)
			defer cancel()
		}
		result, err := fn(ctx, req)
		if r, ok := result.(*Report); ok && r == nil {
			return nil, err
		}
		return result, err
	}
}

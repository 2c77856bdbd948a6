package svinit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, sup *fakeSupervisor, opts []ManagerOption, descs ...ServiceDescriptor) *Manager {
	t.Helper()
	return newManagerFromSource(t, sup, StaticSource(descs), opts...)
}

func newManagerFromSource(t *testing.T, sup *fakeSupervisor, source DescriptorSource, opts ...ManagerOption) *Manager {
	t.Helper()
	all := append([]ManagerOption{
		WithSupervisor(sup),
		WithOneshotSupervisor(sup),
		WithProber(ProberFunc(func(context.Context, int) (bool, error) { return false, nil })),
	}, opts...)
	m, err := NewManager(source, all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = m.Shutdown(ctx)
	})
	return m
}

// mutableSource is a DescriptorSource whose contents a test can swap
type mutableSource struct {
	mu    sync.Mutex
	descs []ServiceDescriptor
	err   error
}

func (s *mutableSource) Load() ([]ServiceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServiceDescriptor(nil), s.descs...), s.err
}

func (s *mutableSource) set(descs ...ServiceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs = descs
}

type failingStore struct{}

func (failingStore) Load() ([]string, error) { return nil, nil }
func (failingStore) Save([]string) error     { return errors.New("read-only filesystem") }

func TestNewManagerRejectsInvalidGraph(t *testing.T) {
	_, err := NewManager(StaticSource{daemon("a", hard("b")), daemon("b", hard("a"))})
	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, GraphCycle, graphErr.Kind)

	_, err = NewManager(&mutableSource{err: os.ErrNotExist})
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, OpReload, opErr.Op)
}

func TestManagerEnablePersistsAndBoots(t *testing.T) {
	store := FileEnabledStore{Path: filepath.Join(t.TempDir(), "state", "enabled.yaml")}
	descs := []ServiceDescriptor{daemon("a"), daemon("b", hard("a")), daemon("c")}

	m := newTestManager(t, newFakeSupervisor(), []ManagerOption{WithEnabledStore(store)}, descs...)
	_, err := m.Enable(context.Background(), "b", false)
	require.NoError(t, err)
	_, err = m.Enable(context.Background(), "b", false)
	require.NoError(t, err)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, saved)

	// A fresh manager boots what the previous one enabled
	sup := newFakeSupervisor()
	m2 := newTestManager(t, sup, []ManagerOption{WithEnabledStore(store)}, descs...)
	assert.Equal(t, []string{"b"}, m2.Enabled())

	report, err := m2.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Succeeded)
	assert.Equal(t, []string{"a", "b"}, sup.Spawned())
}

func TestManagerIgnoresStaleEnabledEntries(t *testing.T) {
	store := NewMemoryEnabledStore("a", "gone")
	m := newTestManager(t, newFakeSupervisor(), []ManagerOption{WithEnabledStore(store)}, daemon("a"))
	assert.Equal(t, []string{"a"}, m.Enabled())
}

func TestManagerEnableErrors(t *testing.T) {
	m := newTestManager(t, newFakeSupervisor(), nil, daemon("a"))
	_, err := m.Enable(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, ErrUnknownService)

	m = newTestManager(t, newFakeSupervisor(), []ManagerOption{WithEnabledStore(failingStore{})}, daemon("a"))
	_, err = m.Enable(context.Background(), "a", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only filesystem")
	assert.Empty(t, m.Enabled())
	st, _ := m.Scheduler().State("a")
	assert.Equal(t, StateDown, st)
}

func TestManagerEnableResetsFailedService(t *testing.T) {
	sup := newFakeSupervisor()
	sup.script("a", fakeBehavior{exit: true, status: ExitStatus{Code: 1}})
	m := newTestManager(t, sup, nil, daemon("a"))
	ctx := context.Background()

	_, err := m.Start(ctx, "a")
	require.Error(t, err)
	st, _ := m.Scheduler().State("a")
	require.Equal(t, StateFailed, st)

	report, err := m.Enable(ctx, "a", false)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"a"}, m.Enabled())

	st, _ = m.Scheduler().State("a")
	assert.Equal(t, StateDown, st)
	status, err := m.Status(ctx, StatusFilter{Names: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Nil(t, status[0].LastFailure)
	assert.Zero(t, status[0].RestartAttempts)
	assert.Equal(t, []string{"a"}, sup.Spawned())
}

func TestManagerRestart(t *testing.T) {
	sup := newFakeSupervisor()
	m := newTestManager(t, sup, nil,
		daemon("a"),
		daemon("b", hard("a")),
		daemon("c", hard("a")),
	)
	ctx := context.Background()

	_, err := m.Start(ctx, "b")
	require.NoError(t, err)
	before, err := m.Status(ctx, StatusFilter{})
	require.NoError(t, err)

	report, err := m.Restart(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, OpRestart, report.Op)
	assert.Equal(t, []string{"a", "b"}, report.Succeeded)

	after, err := m.Status(ctx, StatusFilter{})
	require.NoError(t, err)
	assert.NotEqual(t, before[0].PID, after[0].PID)
	assert.NotEqual(t, before[1].PID, after[1].PID)
	assert.Equal(t, StateDown, after[2].State, "c was down and stays down")
}

func TestManagerRequiresServiceNames(t *testing.T) {
	m := newTestManager(t, newFakeSupervisor(), nil, daemon("a"))
	ctx := context.Background()

	for _, fn := range []func() (*Report, error){
		func() (*Report, error) { return m.Start(ctx) },
		func() (*Report, error) { return m.Stop(ctx) },
		func() (*Report, error) { return m.Restart(ctx) },
	} {
		_, err := fn()
		var reqErr *RequestError
		assert.ErrorAs(t, err, &reqErr)
	}
}

func TestManagerSignalEach(t *testing.T) {
	sup := newFakeSupervisor()
	sup.script("a", fakeBehavior{ignoreSignals: true})
	m := newTestManager(t, sup, nil, daemon("a"), daemon("b"))
	ctx := context.Background()

	_, err := m.Start(ctx, "a")
	require.NoError(t, err)

	err = m.SignalEach(ctx, syscall.SIGUSR1, "a", "b")
	var merr *MultiError
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 1)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, []syscall.Signal{syscall.SIGUSR1}, sup.process("a").Signals())

	assert.NoError(t, m.SignalEach(ctx, syscall.SIGUSR1))
}

func TestManagerReload(t *testing.T) {
	sup := newFakeSupervisor()
	source := &mutableSource{descs: []ServiceDescriptor{daemon("a"), daemon("b")}}
	store := NewMemoryEnabledStore("a", "b")
	m := newManagerFromSource(t, sup, source, WithEnabledStore(store))
	ctx := context.Background()

	_, err := m.Boot(ctx)
	require.NoError(t, err)

	changed := daemon("a")
	changed.Start = []string{"/usr/bin/a", "--verbose"}
	source.set(changed, daemon("c"))

	report, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpReload, report.Op)
	assert.Equal(t, []string{"a", "c"}, report.Succeeded)

	assert.Equal(t, []string{"b"}, sup.Stopped())
	assert.Equal(t, []string{"a"}, m.Enabled())
	saved, _ := store.Load()
	assert.Equal(t, []string{"a"}, saved)

	// a keeps running with its old process until restarted
	st, ok := m.Scheduler().State("a")
	require.True(t, ok)
	assert.Equal(t, StateUp, st)
	d, _ := m.Scheduler().Graph().Descriptor("a")
	assert.Equal(t, []string{"/usr/bin/a", "--verbose"}, d.Start)

	_, ok = m.Scheduler().State("b")
	assert.False(t, ok)
	st, ok = m.Scheduler().State("c")
	require.True(t, ok)
	assert.Equal(t, StateDown, st)
}

func TestManagerReloadRejectsInvalidGraph(t *testing.T) {
	sup := newFakeSupervisor()
	source := &mutableSource{descs: []ServiceDescriptor{daemon("a"), daemon("b")}}
	m := newManagerFromSource(t, sup, source)
	ctx := context.Background()

	_, err := m.Start(ctx, "a")
	require.NoError(t, err)

	source.set(daemon("a", hard("b")), daemon("b", hard("a")))
	_, err = m.Reload(ctx)
	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, GraphCycle, graphErr.Kind)

	assert.Equal(t, []string{"a", "b"}, m.Scheduler().Graph().Names())
	st, _ := m.Scheduler().State("a")
	assert.Equal(t, StateUp, st)
	assert.Empty(t, sup.Stopped())

	source.set(daemon("a"), daemon("b", hard("missing")))
	_, err = m.Reload(ctx)
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, GraphUnknownDependency, graphErr.Kind)
	assert.Equal(t, "missing", graphErr.Dependency)
}

func TestManagerTransitionHook(t *testing.T) {
	var mu sync.Mutex
	var states []State
	hook := func(service string, _, to State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, to)
	}
	m := newTestManager(t, newFakeSupervisor(), []ManagerOption{WithTransitionHook(hook)}, daemon("a"))

	_, err := m.Start(context.Background(), "a")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateStarting, StateUp}, states)
}

func TestManagerShutdown(t *testing.T) {
	sup := newFakeSupervisor()
	m, err := NewManager(StaticSource{daemon("a"), daemon("b", hard("a"))},
		WithSupervisor(sup), WithOneshotSupervisor(sup), WithConcurrency(1))
	require.NoError(t, err)

	_, err = m.Start(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := m.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Succeeded)
	assert.Equal(t, []string{"b", "a"}, sup.Stopped())
}

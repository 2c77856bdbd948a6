//go:build linux

package svinit

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(name, script string) ServiceDescriptor {
	return ServiceDescriptor{Name: name, Start: []string{"/bin/sh", "-c", script}}
}

func waitExit(t *testing.T, p Process) ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := p.Wait(ctx)
	require.NoError(t, err)
	return status
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestLocalSupervisorExitCodes(t *testing.T) {
	tests := []struct {
		script string
		want   ExitStatus
	}{
		{"exit 0", ExitStatus{}},
		{"exit 3", ExitStatus{Code: 3}},
		{"kill -TERM $$", ExitStatus{Signaled: true, Signal: int(syscall.SIGTERM)}},
	}

	sup := NewLocalSupervisor(DiscardSink{}, nil)
	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			p, err := sup.Spawn(context.Background(), shell("sh", tt.script))
			require.NoError(t, err)
			assert.Positive(t, p.PID())
			assert.Equal(t, tt.want, waitExit(t, p))
		})
	}
}

func TestLocalSupervisorSpawnErrors(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "script")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))

	tests := []struct {
		name string
		path string
		kind SpawnErrorKind
	}{
		{"missing binary", filepath.Join(dir, "missing"), SpawnMissingBinary},
		{"permission denied", notExec, SpawnPermissionDenied},
	}

	sup := NewLocalSupervisor(DiscardSink{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sup.Spawn(context.Background(), ServiceDescriptor{Name: "svc", Start: []string{tt.path}})
			var spawnErr *SpawnError
			require.ErrorAs(t, err, &spawnErr)
			assert.Equal(t, tt.kind, spawnErr.Kind)
			assert.Equal(t, tt.path, spawnErr.Path)
			assert.Equal(t, FailureSpawn, failureFor("svc", err).Kind)
		})
	}
}

func TestLocalSupervisorReadyFD(t *testing.T) {
	sup := NewLocalSupervisor(DiscardSink{}, nil)
	d := shell("notify", "echo >&4; exec sleep 30")
	d.ReadyFD = 4

	p, err := sup.Spawn(context.Background(), d)
	require.NoError(t, err)

	select {
	case <-p.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported readiness")
	}

	require.NoError(t, p.Signal(syscall.SIGTERM))
	assert.Equal(t, ExitStatus{Signaled: true, Signal: int(syscall.SIGTERM)}, waitExit(t, p))
	assert.ErrorIs(t, p.Signal(syscall.SIGTERM), ErrNotRunning)
}

func TestLocalSupervisorReadyFDClosedWithoutNotification(t *testing.T) {
	sup := NewLocalSupervisor(DiscardSink{}, nil)
	d := shell("silent", "exit 1")
	d.ReadyFD = 3

	p, err := sup.Spawn(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 1, waitExit(t, p).Code)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, isClosed(p.Ready()))
}

func TestLocalSupervisorReadyDelay(t *testing.T) {
	sup := NewLocalSupervisor(DiscardSink{}, nil)
	d := shell("delayed", "exec sleep 30")
	d.ReadyDelay = 50 * time.Millisecond

	p, err := sup.Spawn(context.Background(), d)
	require.NoError(t, err)
	defer func() {
		_ = p.Signal(syscall.SIGKILL)
		waitExit(t, p)
	}()

	assert.False(t, isClosed(p.Ready()))
	require.Eventually(t, func() bool { return isClosed(p.Ready()) }, 2*time.Second, 10*time.Millisecond)
}

func TestLocalSupervisorSignalsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	sup := NewLocalSupervisor(DiscardSink{}, nil)
	p, err := sup.Spawn(context.Background(), shell("group", "sleep 30 & echo $! > "+pidFile+"; wait"))
	require.NoError(t, err)

	var child int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil || !strings.HasSuffix(string(data), "\n") {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Signal(syscall.SIGTERM))
	assert.True(t, waitExit(t, p).Signaled)

	prober := PsutilProber{}
	require.Eventually(t, func() bool {
		alive, err := prober.Alive(context.Background(), child)
		return err == nil && !alive
	}, 5*time.Second, 10*time.Millisecond, "background child survived")
}

func TestLocalSupervisorEnvDirAndOutput(t *testing.T) {
	logs := t.TempDir()
	work := t.TempDir()
	sup := NewLocalSupervisor(DirSink{Dir: logs}, nil)

	d := shell("envtest", `echo "$GREETING from $(pwd)"; echo oops >&2`)
	d.Env = map[string]string{"GREETING": "hello"}
	d.Dir = work

	p, err := sup.Spawn(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, waitExit(t, p).Success())

	data, err := os.ReadFile(filepath.Join(logs, "envtest.log"))
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "hello from "+work)
	assert.Contains(t, out, "oops")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestLocalSupervisorWaitHonoursContext(t *testing.T) {
	sup := NewLocalSupervisor(DiscardSink{}, nil)
	p, err := sup.Spawn(context.Background(), shell("sleeper", "exec sleep 30"))
	require.NoError(t, err)
	defer func() {
		_ = p.Signal(syscall.SIGKILL)
		waitExit(t, p)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, status.Unknown)
}

func TestSchedulerWithLocalProcesses(t *testing.T) {
	sup := NewLocalSupervisor(DiscardSink{}, nil)
	g, err := BuildGraph([]ServiceDescriptor{
		{Name: "init", Kind: KindOneshot, Start: []string{"/bin/sh", "-c", "exit 0"}},
		{Name: "app", Start: []string{"/bin/sh", "-c", "exec sleep 30"}, Dependencies: []Dependency{hard("init")}},
	})
	require.NoError(t, err)
	s := NewScheduler(g, SchedulerConfig{Daemons: sup, Oneshots: sup})
	ctx := context.Background()

	_, err = s.StartSet(ctx, []string{"app"})
	require.NoError(t, err)
	st, _ := s.State("init")
	assert.Equal(t, StateDone, st)
	st, _ = s.State("app")
	assert.Equal(t, StateUp, st)

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	report, err := s.Close(closeCtx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"init", "app"}, report.Succeeded)
	st, _ = s.State("app")
	assert.Equal(t, StateDown, st)
}

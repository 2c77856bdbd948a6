package svinit

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadDescriptorFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.yaml")
	writeFile(t, path, `
start: [/usr/bin/web, --port, "8080"]
stop_signal: INT
requires: [db]
wants: [cache]
restart: always
max_restarts: 5
restart_window: 2m
backoff_initial: 250ms
start_timeout: 10s
ready_fd: 3
env:
  MODE: prod
dir: /srv/web
`)

	d, err := ReadDescriptorFile(path)
	require.NoError(t, err)
	assert.Equal(t, "web", d.Name)
	assert.Equal(t, KindDaemon, d.Kind)
	assert.Equal(t, []string{"/usr/bin/web", "--port", "8080"}, d.Start)
	assert.Equal(t, syscall.SIGINT, d.StopSignal)
	assert.Equal(t, []Dependency{
		{Name: "db", Strength: StrengthHard},
		{Name: "cache", Strength: StrengthSoft},
	}, d.Dependencies)
	assert.Equal(t, RestartAlways, d.Restart)
	assert.Equal(t, RestartBudget{MaxAttempts: 5, Window: 2 * time.Minute}, d.Budget)
	assert.Equal(t, 250*time.Millisecond, d.Backoff.Initial)
	assert.Equal(t, 10*time.Second, d.StartTimeout)
	assert.Equal(t, 3, d.ReadyFD)
	assert.Equal(t, map[string]string{"MODE": "prod"}, d.Env)
	assert.Equal(t, "/srv/web", d.Dir)
}

func TestReadDescriptorFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "start: [/bin/true]\nrestrat: always\n", "restrat"},
		{"bad signal", "start: [/bin/true]\nstop_signal: NOPE\n", "NOPE"},
		{"bad kind", "start: [/bin/true]\nkind: cron\n", "cron"},
		{"empty", "", "empty file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "svc.yaml")
			writeFile(t, path, tt.content)
			_, err := ReadDescriptorFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yml"), "start: [/bin/b]\nrequires: [a]\n")
	writeFile(t, filepath.Join(dir, "a.yaml"), "name: a\nkind: oneshot\nstart: [/bin/a]\n")
	writeFile(t, filepath.Join(dir, ".hidden.yaml"), "not: valid\n")
	writeFile(t, filepath.Join(dir, "README"), "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	descs, err := DirSource{Dir: dir}.Load()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "a", descs[0].Name)
	assert.Equal(t, KindOneshot, descs[0].Kind)
	assert.Equal(t, "b", descs[1].Name)

	_, err = BuildGraph(descs)
	assert.NoError(t, err)

	_, err = DirSource{Dir: filepath.Join(dir, "missing")}.Load()
	assert.Error(t, err)
}

func TestServiceBuilderRoundTrip(t *testing.T) {
	dir := t.TempDir()

	err := NewServiceBuilder("db", dir).
		WithCmd("/usr/bin/postgres", "-D", "/var/lib/pg").
		WithStopSignal(syscall.SIGINT).
		WithRestart(RestartAlways).
		WithBudget(5, time.Minute).
		WithBackoff(time.Second, time.Minute).
		WithTimeouts(20*time.Second, 30*time.Second).
		WithReadyFD(3).
		WithEnv("PGDATA", "/var/lib/pg").
		WithCwd("/var/lib/pg").
		Build()
	require.NoError(t, err)

	err = NewServiceBuilder("migrate", dir).
		WithCmd("/usr/bin/migrate").
		Oneshot().
		Requires("db").
		Build()
	require.NoError(t, err)

	err = NewServiceBuilder("web", dir).
		WithCmd("/usr/bin/web").
		WithStopCmd("/usr/bin/web", "--shutdown").
		Requires("db", "migrate").
		Wants("cache").
		WithReadyDelay(2 * time.Second).
		Build()
	require.NoError(t, err)

	descs, err := DirSource{Dir: dir}.Load()
	require.NoError(t, err)
	require.Len(t, descs, 3)

	db := descs[0]
	assert.Equal(t, "db", db.Name)
	assert.Equal(t, syscall.SIGINT, db.StopSignal)
	assert.Equal(t, RestartAlways, db.Restart)
	assert.Equal(t, RestartBudget{MaxAttempts: 5, Window: time.Minute}, db.Budget)
	assert.Equal(t, 30*time.Second, db.StopTimeout)
	assert.Equal(t, "/var/lib/pg", db.Env["PGDATA"])

	migrate := descs[1]
	assert.Equal(t, KindOneshot, migrate.Kind)
	assert.Equal(t, []Dependency{{Name: "db", Strength: StrengthHard}}, migrate.Dependencies)

	web := descs[2]
	assert.Equal(t, []string{"/usr/bin/web", "--shutdown"}, web.Stop)
	assert.Len(t, web.Dependencies, 3)
	assert.Equal(t, 2*time.Second, web.ReadyDelay)

	// cache is wanted but has no descriptor
	_, err = BuildGraph(descs)
	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, GraphUnknownDependency, graphErr.Kind)
}

func TestServiceBuilderValidates(t *testing.T) {
	_, err := NewServiceBuilder("empty", "").Descriptor()
	assert.Error(t, err)

	assert.Error(t, NewServiceBuilder("nodir", "").WithCmd("/bin/true").Build())

	d, err := NewServiceBuilder("ok", "").WithCmd("/bin/true").Descriptor()
	require.NoError(t, err)
	assert.Equal(t, DefaultStartTimeout, d.StartTimeout)
	assert.Equal(t, DefaultStopSignal, d.StopSignal)
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		d    ServiceDescriptor
	}{
		{"no name", ServiceDescriptor{Start: []string{"/bin/true"}}},
		{"slash in name", ServiceDescriptor{Name: "a/b", Start: []string{"/bin/true"}}},
		{"no start", ServiceDescriptor{Name: "a"}},
		{"negative timeout", ServiceDescriptor{Name: "a", Start: []string{"/bin/true"}, StopTimeout: -time.Second}},
		{"stdio ready fd", ServiceDescriptor{Name: "a", Start: []string{"/bin/true"}, ReadyFD: 1}},
		{"self dependency", daemon("a", hard("a"))},
		{"duplicate dependency", daemon("a", hard("b"), soft("b"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.d.Validate())
		})
	}
	assert.NoError(t, daemon("a", hard("b")).Validate())
}

func TestParseSignal(t *testing.T) {
	for _, in := range []string{"TERM", "SIGTERM", "term", "sigterm", " TERM ", "15", " 15"} {
		sig, err := ParseSignal(in)
		require.NoError(t, err, in)
		assert.Equal(t, syscall.SIGTERM, sig, in)
	}
	_, err := ParseSignal("SIGBOGUS")
	assert.Error(t, err)
	_, err = ParseSignal("-1")
	assert.Error(t, err)

	sig, err := ParseSignal("winch")
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGWINCH, sig)
	assert.Equal(t, "HUP", signalName(syscall.SIGHUP))
	assert.Equal(t, "200", signalName(syscall.Signal(200)))
}

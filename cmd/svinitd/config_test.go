package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svinit "github.com/axondata/go-svinit"
)

func TestLoadConfigDefaults(t *testing.T) {
	if _, err := os.Stat(defaultConfigPath); err == nil {
		t.Skip("host has a config at the default path")
	}
	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/etc/svinit/services", cfg.ServiceDir)
	assert.Equal(t, svinit.DefaultSocketPath, cfg.Socket)
	assert.Equal(t, svinit.DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, "remote", cfg.Supervisor)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svinitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_dir: /srv/services
concurrency: 4
soft_wait: 2s
supervisor: local
logging:
  level: debug
`), 0o644))
	t.Setenv("SVINIT_CONCURRENCY", "8")
	t.Setenv("SVINIT_LOGGING_FORMAT", "json")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/services", cfg.ServiceDir)
	assert.Equal(t, 8, cfg.Concurrency, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.SoftWait)
	assert.Equal(t, "local", cfg.Supervisor)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	tests := []struct {
		name    string
		content string
	}{
		{"zero concurrency", "concurrency: 0\n"},
		{"bad supervisor", "supervisor: chroot\n"},
		{"bad soft policy", "soft_dependencies: maybe\n"},
		{"empty socket", "socket: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "svinitd.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := loadConfig(viper.New(), path)
			assert.Error(t, err)
		})
	}
}

func TestRunRejectsUnvalidatedSoftPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svinitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_dir: "+t.TempDir()+"\n"), 0o644))
	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)

	cfg.SoftDependencies = "sometimes"
	err = run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown soft dependency policy")
}

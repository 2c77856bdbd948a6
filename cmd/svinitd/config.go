package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	svinit "github.com/axondata/go-svinit"
)

const defaultConfigPath = "/etc/svinit/svinitd.yaml"

// Config is the daemon configuration
type Config struct {
	// ServiceDir holds one YAML descriptor per service
	ServiceDir string `mapstructure:"service_dir"`
	// StateFile persists the enabled set
	StateFile string `mapstructure:"state_file"`
	// Socket is the control socket path
	Socket string `mapstructure:"socket"`
	// LogDir receives one log file per service; empty sends service output
	// to the daemon log
	LogDir string `mapstructure:"log_dir"`

	Concurrency      int           `mapstructure:"concurrency"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	SoftDependencies string        `mapstructure:"soft_dependencies"`
	SoftWait         time.Duration `mapstructure:"soft_wait"`

	// Supervisor is "remote" to run each daemon under a supervisor helper
	// that survives a manager restart, or "local" to run daemons as direct
	// children
	Supervisor string `mapstructure:"supervisor"`

	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`

	// MetricsAddr serves Prometheus metrics when set
	MetricsAddr string `mapstructure:"metrics_addr"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig selects the daemon log level and format
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_dir", "/etc/svinit/services")
	v.SetDefault("state_file", "/var/lib/svinit/enabled.yaml")
	v.SetDefault("socket", svinit.DefaultSocketPath)
	v.SetDefault("log_dir", "")
	v.SetDefault("concurrency", svinit.DefaultConcurrency)
	v.SetDefault("request_timeout", time.Duration(0))
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("soft_dependencies", svinit.SoftProceed.String())
	v.SetDefault("soft_wait", svinit.DefaultSoftWait)
	v.SetDefault("supervisor", "remote")
	v.SetDefault("watch", false)
	v.SetDefault("watch_debounce", svinit.DefaultWatchDebounce)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// loadConfig merges defaults, the config file and SVINIT_* environment
// variables, in increasing precedence. A missing file at the default path
// is not an error.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("SVINIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), !explicit && os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ServiceDir == "" {
		return errors.New("service_dir is required")
	}
	if c.Socket == "" {
		return errors.New("socket is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if _, err := svinit.ParseSoftDependencyPolicy(c.SoftDependencies); err != nil {
		return err
	}
	switch c.Supervisor {
	case "remote", "local":
	default:
		return fmt.Errorf("supervisor must be remote or local, got %q", c.Supervisor)
	}
	return nil
}

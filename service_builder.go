package svinit

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// ServiceBuilder provides a fluent interface for declaring services, either
// in memory for a StaticSource or as descriptor files for a DirSource.
type ServiceBuilder struct {
	// Dir is the descriptor directory Build writes to
	Dir string

	desc ServiceDescriptor
}

// NewServiceBuilder creates a builder for a daemon named name whose
// descriptor file will live in dir
func NewServiceBuilder(name, dir string) *ServiceBuilder {
	return &ServiceBuilder{
		Dir:  dir,
		desc: ServiceDescriptor{Name: name},
	}
}

// WithCmd sets the start command
func (b *ServiceBuilder) WithCmd(cmd ...string) *ServiceBuilder {
	b.desc.Start = cmd
	return b
}

// WithStopCmd sets a stop command run instead of sending the stop signal
func (b *ServiceBuilder) WithStopCmd(cmd ...string) *ServiceBuilder {
	b.desc.Stop = cmd
	return b
}

// WithStopSignal sets the signal used to stop a daemon
func (b *ServiceBuilder) WithStopSignal(sig syscall.Signal) *ServiceBuilder {
	b.desc.StopSignal = sig
	return b
}

// Oneshot marks the service as a oneshot that runs to completion
func (b *ServiceBuilder) Oneshot() *ServiceBuilder {
	b.desc.Kind = KindOneshot
	return b
}

// Requires adds hard dependencies
func (b *ServiceBuilder) Requires(names ...string) *ServiceBuilder {
	for _, n := range names {
		b.desc.Dependencies = append(b.desc.Dependencies, Dependency{Name: n, Strength: StrengthHard})
	}
	return b
}

// Wants adds soft dependencies
func (b *ServiceBuilder) Wants(names ...string) *ServiceBuilder {
	for _, n := range names {
		b.desc.Dependencies = append(b.desc.Dependencies, Dependency{Name: n, Strength: StrengthSoft})
	}
	return b
}

// WithRestart sets the restart policy
func (b *ServiceBuilder) WithRestart(p RestartPolicy) *ServiceBuilder {
	b.desc.Restart = p
	return b
}

// WithBudget allows max restarts within window. A negative max is unlimited.
func (b *ServiceBuilder) WithBudget(maxAttempts int, window time.Duration) *ServiceBuilder {
	b.desc.Budget = RestartBudget{MaxAttempts: maxAttempts, Window: window}
	return b
}

// WithBackoff sets the restart delay bounds
func (b *ServiceBuilder) WithBackoff(initial, maxDelay time.Duration) *ServiceBuilder {
	b.desc.Backoff.Initial = initial
	b.desc.Backoff.Max = maxDelay
	return b
}

// WithTimeouts sets the start and stop timeouts
func (b *ServiceBuilder) WithTimeouts(start, stop time.Duration) *ServiceBuilder {
	b.desc.StartTimeout = start
	b.desc.StopTimeout = stop
	return b
}

// WithReadyFD makes the daemon report readiness by writing a newline to fd
func (b *ServiceBuilder) WithReadyFD(fd int) *ServiceBuilder {
	b.desc.ReadyFD = fd
	return b
}

// WithReadyDelay makes the daemon count as up once it survived d
func (b *ServiceBuilder) WithReadyDelay(d time.Duration) *ServiceBuilder {
	b.desc.ReadyDelay = d
	return b
}

// WithEnv sets an environment variable
func (b *ServiceBuilder) WithEnv(key, value string) *ServiceBuilder {
	if b.desc.Env == nil {
		b.desc.Env = make(map[string]string)
	}
	b.desc.Env[key] = value
	return b
}

// WithCwd sets the working directory
func (b *ServiceBuilder) WithCwd(cwd string) *ServiceBuilder {
	b.desc.Dir = cwd
	return b
}

// Descriptor returns the validated descriptor
func (b *ServiceBuilder) Descriptor() (ServiceDescriptor, error) {
	if err := b.desc.Validate(); err != nil {
		return ServiceDescriptor{}, err
	}
	return b.desc.WithDefaults(), nil
}

// Build writes the descriptor to <Dir>/<name>.yaml, replacing any existing
// file atomically
func (b *ServiceBuilder) Build() error {
	if b.Dir == "" {
		return fmt.Errorf("service %q: no descriptor directory", b.desc.Name)
	}
	if err := b.desc.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(fileFromDescriptor(b.desc))
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := os.MkdirAll(b.Dir, DirMode); err != nil {
		return fmt.Errorf("creating descriptor directory: %w", err)
	}
	path := filepath.Join(b.Dir, b.desc.Name+".yaml")
	if err := renameio.WriteFile(path, data, FileMode); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}
	return nil
}

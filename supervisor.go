package svinit

import (
	"context"
	"syscall"
)

// Process is a handle to one spawned service process
type Process interface {
	// PID returns the operating system process id
	PID() int
	// Ready is closed once the process reported readiness
	Ready() <-chan struct{}
	// Signal delivers sig to the process group. It returns an error wrapping
	// ErrNotRunning once the process has exited.
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits or ctx is done. A session loss is
	// reported as an unknown status and ErrSessionLost.
	Wait(ctx context.Context) (ExitStatus, error)
}

// Supervisor launches service processes
type Supervisor interface {
	// Spawn launches the start command of d. Launch failures are *SpawnError.
	Spawn(ctx context.Context, d ServiceDescriptor) (Process, error)
}

// SupervisorFunc adapts a function to the Supervisor interface
type SupervisorFunc func(ctx context.Context, d ServiceDescriptor) (Process, error)

// Spawn implements Supervisor
func (f SupervisorFunc) Spawn(ctx context.Context, d ServiceDescriptor) (Process, error) {
	return f(ctx, d)
}

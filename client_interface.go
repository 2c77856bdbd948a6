package svinit

import (
	"context"
	"syscall"
)

// Controller is the control surface shared by an in-process Manager and a
// Client talking to a remote one. Commands like svctl are written against
// it so they run unchanged against either.
type Controller interface {
	// Enabled-set operations
	Enable(ctx context.Context, service string, start bool) (*Report, error)
	Disable(ctx context.Context, service string, stop bool) (*Report, error)

	// Set operations. A non-nil error with a non-nil report is a
	// *PartialFailure; the report lists what succeeded.
	Start(ctx context.Context, services ...string) (*Report, error)
	Stop(ctx context.Context, services ...string) (*Report, error)
	Restart(ctx context.Context, services ...string) (*Report, error)

	Signal(ctx context.Context, service string, sig syscall.Signal) error
	Status(ctx context.Context, filter StatusFilter) ([]ServiceStatus, error)

	// Reload re-reads descriptors and replaces the dependency graph
	Reload(ctx context.Context) (*Report, error)
}

var (
	_ Controller = (*Manager)(nil)
	_ Controller = (*Client)(nil)
)

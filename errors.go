package svinit

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// Common errors returned by svinit operations
var (
	// ErrUnknownService indicates a request named a service that has no descriptor
	ErrUnknownService = errors.New("svinit: unknown service")

	// ErrNotRunning indicates a signal was sent to a process that already exited
	ErrNotRunning = errors.New("svinit: process not running")

	// ErrTimeout indicates an operation exceeded its timeout
	ErrTimeout = errors.New("svinit: timeout")

	// ErrRestartBudgetExceeded indicates a service exhausted its restart budget
	ErrRestartBudgetExceeded = errors.New("svinit: restart budget exceeded")

	// ErrManagerUnreachable indicates the control socket could not be reached
	ErrManagerUnreachable = errors.New("svinit: manager unreachable")

	// ErrSessionLost indicates the supervisor session closed before the process exit was reported
	ErrSessionLost = errors.New("svinit: supervisor session lost")

	// ErrAborted indicates a start attempt was cancelled by a stop request
	ErrAborted = errors.New("svinit: start aborted by stop")

	// ErrDependencyFailed indicates a hard dependency failed so the service was never attempted
	ErrDependencyFailed = errors.New("svinit: hard dependency failed")

	// ErrExited indicates a process exited when it was expected to keep running
	ErrExited = errors.New("svinit: process exited")
)

// OpError represents an error from a manager operation on one service
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// Service is the service involved in the operation
	Service string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("svinit %s %q: %v", e.Op.String(), e.Service, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// GraphErrorKind classifies dependency graph errors
type GraphErrorKind int

const (
	// GraphInvalid is a descriptor that failed validation
	GraphInvalid GraphErrorKind = iota
	// GraphDuplicate is two descriptors with the same name
	GraphDuplicate
	// GraphUnknownDependency is an edge to a service with no descriptor
	GraphUnknownDependency
	// GraphCycle is a cycle among hard edges
	GraphCycle
)

// String returns the string representation of a GraphErrorKind
func (k GraphErrorKind) String() string {
	switch k {
	case GraphDuplicate:
		return "duplicate"
	case GraphUnknownDependency:
		return "unknown-dependency"
	case GraphCycle:
		return "cycle"
	default:
		return "invalid"
	}
}

func parseGraphErrorKind(s string) GraphErrorKind {
	for k := GraphInvalid; k <= GraphCycle; k++ {
		if k.String() == s {
			return k
		}
	}
	return GraphInvalid
}

// GraphError is returned when a set of descriptors does not form a valid graph
type GraphError struct {
	Kind    GraphErrorKind
	Service string
	// Dependency is set for GraphUnknownDependency
	Dependency string
	// Path is set for GraphCycle and starts and ends with the same service
	Path []string
	Err  error
}

// Error returns a formatted error message
func (e *GraphError) Error() string {
	switch e.Kind {
	case GraphCycle:
		return fmt.Sprintf("svinit: dependency cycle: %s", strings.Join(e.Path, " -> "))
	case GraphUnknownDependency:
		return fmt.Sprintf("svinit: service %q depends on unknown service %q", e.Service, e.Dependency)
	case GraphDuplicate:
		return fmt.Sprintf("svinit: service %q defined more than once", e.Service)
	default:
		return fmt.Sprintf("svinit: invalid service %q: %v", e.Service, e.Err)
	}
}

// Unwrap returns the underlying error for error chain inspection
func (e *GraphError) Unwrap() error {
	return e.Err
}

// SpawnErrorKind classifies process launch failures
type SpawnErrorKind int

const (
	// SpawnOther is any launch failure not classified below
	SpawnOther SpawnErrorKind = iota
	// SpawnMissingBinary means the executable does not exist
	SpawnMissingBinary
	// SpawnPermissionDenied means the executable could not be executed
	SpawnPermissionDenied
)

// String returns the string representation of a SpawnErrorKind
func (k SpawnErrorKind) String() string {
	switch k {
	case SpawnMissingBinary:
		return "missing-binary"
	case SpawnPermissionDenied:
		return "permission-denied"
	default:
		return "other"
	}
}

func parseSpawnErrorKind(s string) SpawnErrorKind {
	switch s {
	case "missing-binary":
		return SpawnMissingBinary
	case "permission-denied":
		return SpawnPermissionDenied
	default:
		return SpawnOther
	}
}

// SpawnError is returned when a service process cannot be launched
type SpawnError struct {
	Kind    SpawnErrorKind
	Service string
	Path    string
	Err     error
}

// Error returns a formatted error message
func (e *SpawnError) Error() string {
	return fmt.Sprintf("svinit: spawn %q (%s): %s: %v", e.Service, e.Path, e.Kind, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a start or stop exceeds its timeout
type TimeoutError struct {
	Op      Operation
	Service string
	Timeout time.Duration
}

// Error returns a formatted error message
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("svinit: %s %q timed out after %s", e.Op, e.Service, e.Timeout)
}

// Is reports whether target is ErrTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError is returned when the manager cannot be reached or the
// connection fails mid-request
type TransportError struct {
	Endpoint string
	Err      error
}

// Error returns a formatted error message
func (e *TransportError) Error() string {
	return fmt.Sprintf("svinit: manager at %s unreachable: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrManagerUnreachable
func (e *TransportError) Is(target error) bool {
	return target == ErrManagerUnreachable
}

// ExitError reports a process exit that counts as a failure
type ExitError struct {
	Service string
	Status  ExitStatus
}

// Error returns a formatted error message
func (e *ExitError) Error() string {
	return fmt.Sprintf("svinit: %q exited: %s", e.Service, e.Status)
}

// Is reports whether target is ErrExited
func (e *ExitError) Is(target error) bool {
	return target == ErrExited
}

// RemoteError is an error reported by the manager that has no local type
type RemoteError struct {
	Kind    string
	Service string
	Message string
}

// Error returns a formatted error message
func (e *RemoteError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("svinit: %s %q: %s", e.Kind, e.Service, e.Message)
	}
	return fmt.Sprintf("svinit: %s: %s", e.Kind, e.Message)
}

// FailureKind classifies a service failure reported to clients
type FailureKind string

// Failure kinds
const (
	FailureSpawn          FailureKind = "spawn"
	FailureTimeout        FailureKind = "timeout"
	FailureExit           FailureKind = "exit"
	FailureDependency     FailureKind = "dependency"
	FailureRestartBudget  FailureKind = "restart-budget"
	FailureSessionLost    FailureKind = "session-lost"
	FailureAborted        FailureKind = "aborted"
	FailureSoftDependency FailureKind = "soft-dependency"
	FailureInternal       FailureKind = "internal"
)

// Failure is a structured (kind, service, diagnostic) failure record
type Failure struct {
	Service string
	Kind    FailureKind
	// Dependency names the failed dependency for FailureDependency and
	// FailureSoftDependency
	Dependency string `cbor:",omitempty"`
	Diagnostic string
}

// Error returns a formatted error message
func (f *Failure) Error() string {
	if f.Dependency != "" {
		return fmt.Sprintf("%s: %s (dependency %s): %s", f.Service, f.Kind, f.Dependency, f.Diagnostic)
	}
	return fmt.Sprintf("%s: %s: %s", f.Service, f.Kind, f.Diagnostic)
}

// Is maps failure kinds onto the package sentinels
func (f *Failure) Is(target error) bool {
	switch f.Kind {
	case FailureTimeout:
		return target == ErrTimeout
	case FailureRestartBudget:
		return target == ErrRestartBudgetExceeded
	case FailureSessionLost:
		return target == ErrSessionLost
	case FailureAborted:
		return target == ErrAborted
	case FailureDependency:
		return target == ErrDependencyFailed
	case FailureExit:
		return target == ErrExited
	}
	return false
}

// failureFor converts an error from a start or stop flow into a Failure
func failureFor(service string, err error) Failure {
	var f *Failure
	if errors.As(err, &f) {
		return *f
	}
	kind := FailureInternal
	var spawnErr *SpawnError
	switch {
	case errors.As(err, &spawnErr):
		kind = FailureSpawn
	case errors.Is(err, ErrTimeout):
		kind = FailureTimeout
	case errors.Is(err, ErrRestartBudgetExceeded):
		kind = FailureRestartBudget
	case errors.Is(err, ErrSessionLost):
		kind = FailureSessionLost
	case errors.Is(err, ErrAborted):
		kind = FailureAborted
	case errors.Is(err, ErrExited):
		kind = FailureExit
	}
	return Failure{Service: service, Kind: kind, Diagnostic: err.Error()}
}

// PartialFailure is returned by set operations when some services failed.
// Services not listed succeeded.
type PartialFailure struct {
	Op       Operation
	Failures []Failure
}

// Error returns a summary of the failures
func (e *PartialFailure) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("svinit %s: %s", e.Op, e.Failures[0].Error())
	}
	return fmt.Sprintf("svinit %s: %d services failed", e.Op, len(e.Failures))
}

// Unwrap exposes each failure to errors.Is and errors.As
func (e *PartialFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i := range e.Failures {
		errs[i] = &e.Failures[i]
	}
	return errs
}

// Failed returns the names of all failed services
func (e *PartialFailure) Failed() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Service)
	}
	return names
}

// Blocked returns the services that were never attempted because a hard
// dependency failed
func (e *PartialFailure) Blocked() []string {
	var names []string
	for _, f := range e.Failures {
		if f.Kind == FailureDependency {
			names = append(names, f.Service)
		}
	}
	return names
}

// Failure returns the failure recorded for service, if any
func (e *PartialFailure) Failure(service string) (Failure, bool) {
	for _, f := range e.Failures {
		if f.Service == service {
			return f, true
		}
	}
	return Failure{}, false
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap returns the accumulated errors for errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

func signalError(service string, err error) error {
	if errors.Is(err, syscall.ESRCH) {
		err = ErrNotRunning
	}
	return &OpError{Op: OpSignal, Service: service, Err: err}
}

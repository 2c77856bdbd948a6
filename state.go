package svinit

import (
	"fmt"
	"slices"
	"syscall"
	"time"
)

// State represents the lifecycle state of a service
type State int

const (
	// StateDown means not running and not wanted
	StateDown State = iota
	// StateStarting means a start attempt is in flight
	StateStarting
	// StateUp means a daemon is running and ready
	StateUp
	// StateDone means a oneshot completed successfully
	StateDone
	// StateStopping means a stop is in flight
	StateStopping
	// StateRestarting means a daemon exited and waits out its backoff
	StateRestarting
	// StateFailed is terminal until an explicit start or enable
	StateFailed
)

// State string constants
const (
	stateDownStr       = "down"
	stateStartingStr   = "starting"
	stateUpStr         = "up"
	stateDoneStr       = "done"
	stateStoppingStr   = "stopping"
	stateRestartingStr = "restarting"
	stateFailedStr     = "failed"
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateDown:
		return stateDownStr
	case StateStarting:
		return stateStartingStr
	case StateUp:
		return stateUpStr
	case StateDone:
		return stateDoneStr
	case StateStopping:
		return stateStoppingStr
	case StateRestarting:
		return stateRestartingStr
	case StateFailed:
		return stateFailedStr
	default:
		return "unknown"
	}
}

// ParseState returns the State named by s
func ParseState(s string) (State, error) {
	for st := StateDown; st <= StateFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StateDown, fmt.Errorf("unknown state %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Satisfied reports whether dependents may treat the service as available.
// Done is equivalent to Up for this purpose.
func (s State) Satisfied() bool {
	return s == StateUp || s == StateDone
}

// Active reports whether the service has a process or a pending restart
func (s State) Active() bool {
	switch s {
	case StateStarting, StateUp, StateDone, StateStopping, StateRestarting:
		return true
	default:
		return false
	}
}

// ExitStatus describes how a process ended
type ExitStatus struct {
	// Code is the exit code when the process exited normally
	Code int
	// Signal is the terminating signal when Signaled is set
	Signal   int
	Signaled bool
	// Unknown is set when the exit could not be observed
	Unknown bool
}

// Success reports a normal exit with code 0
func (e ExitStatus) Success() bool {
	return !e.Unknown && !e.Signaled && e.Code == 0
}

// String returns a short human readable form
func (e ExitStatus) String() string {
	switch {
	case e.Unknown:
		return "unknown"
	case e.Signaled:
		return fmt.Sprintf("signal %s", syscall.Signal(e.Signal))
	default:
		return fmt.Sprintf("exit %d", e.Code)
	}
}

// RuntimeState is the mutable per-service record owned by the scheduler
type RuntimeState struct {
	State State
	// PID is zero when no process is running
	PID       int
	StartedAt time.Time
	LastExit  *ExitStatus `cbor:",omitempty"`
	// RestartAttempts counts restarts inside the current budget window
	RestartAttempts int
	NextRestartAt   time.Time
	LastFailure     *Failure `cbor:",omitempty"`
}

// ServiceStatus is a status snapshot of one service
type ServiceStatus struct {
	Name    string
	Kind    Kind
	Enabled bool
	RuntimeState
}

// Uptime returns how long the service has been running as of now
func (s ServiceStatus) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || !s.State.Satisfied() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// StatusFilter selects services in a status query. Empty fields match all.
type StatusFilter struct {
	Names  []string `cbor:",omitempty"`
	States []State  `cbor:",omitempty"`
}

// Match reports whether st passes the filter
func (f StatusFilter) Match(st ServiceStatus) bool {
	if len(f.Names) > 0 && !slices.Contains(f.Names, st.Name) {
		return false
	}
	return len(f.States) == 0 || slices.Contains(f.States, st.State)
}

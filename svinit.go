package svinit

import (
	"syscall"
	"time"
)

// Descriptor defaults applied by ServiceDescriptor.WithDefaults
const (
	// DefaultStartTimeout bounds how long a service may stay in Starting
	DefaultStartTimeout = 3 * time.Second

	// DefaultStopTimeout bounds how long a stop may take before SIGKILL
	DefaultStopTimeout = 3 * time.Second

	// DefaultStopSignal is sent to a daemon when it has no stop command
	DefaultStopSignal = syscall.SIGTERM

	// DefaultRestartAttempts is the number of restarts allowed per window
	DefaultRestartAttempts = 3

	// DefaultRestartWindow is the sliding window for the restart budget
	DefaultRestartWindow = time.Minute

	// DefaultBackoffInitial is the delay before the first restart
	DefaultBackoffInitial = 100 * time.Millisecond

	// DefaultBackoffMax caps the restart delay
	DefaultBackoffMax = 30 * time.Second

	// DefaultStableUptime is the uptime after which the backoff resets
	DefaultStableUptime = 10 * time.Second
)

// Scheduler and transport defaults
const (
	// DefaultConcurrency is the default number of concurrent start/stop flows
	DefaultConcurrency = 10

	// DefaultKillGrace is how long to wait for a process after SIGKILL
	DefaultKillGrace = 5 * time.Second

	// DefaultProbeInterval is the liveness polling interval for adopted processes
	DefaultProbeInterval = time.Second

	// DefaultSoftWait bounds the soft-dependency wait under SoftWaitBounded
	DefaultSoftWait = 5 * time.Second

	// DefaultDialTimeout is the default timeout for manager socket connections
	DefaultDialTimeout = 2 * time.Second

	// DefaultResponseTimeout is the default time a client waits for a response
	DefaultResponseTimeout = 5 * time.Minute

	// DefaultHandshakeTimeout bounds the supervisor session handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWatchDebounce is the default debounce for descriptor directory events
	DefaultWatchDebounce = 250 * time.Millisecond

	// DefaultSocketPath is where the manager listens for control requests
	DefaultSocketPath = "/run/svinit/control.sock"
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for created files
	FileMode = 0o644
)

// Operation represents a manager operation type
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpStart brings services up
	OpStart
	// OpStop brings services down
	OpStop
	// OpRestart stops then starts services
	OpRestart
	// OpEnable adds a service to the enabled set
	OpEnable
	// OpDisable removes a service from the enabled set
	OpDisable
	// OpSignal delivers a signal to a running service
	OpSignal
	// OpStatus represents a status query operation
	OpStatus
	// OpReload re-reads service descriptors
	OpReload
	// OpSpawn launches a service process
	OpSpawn
)

// Operation string constants
const (
	opUnknownStr = "unknown"
	opStartStr   = "start"
	opStopStr    = "stop"
	opRestartStr = "restart"
	opEnableStr  = "enable"
	opDisableStr = "disable"
	opSignalStr  = "signal"
	opStatusStr  = "status"
	opReloadStr  = "reload"
	opSpawnStr   = "spawn"
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpStart:
		return opStartStr
	case OpStop:
		return opStopStr
	case OpRestart:
		return opRestartStr
	case OpEnable:
		return opEnableStr
	case OpDisable:
		return opDisableStr
	case OpSignal:
		return opSignalStr
	case OpStatus:
		return opStatusStr
	case OpReload:
		return opReloadStr
	case OpSpawn:
		return opSpawnStr
	default:
		return opUnknownStr
	}
}

// ParseOperation returns the Operation named by s, or OpUnknown
func ParseOperation(s string) Operation {
	for op := OpStart; op <= OpSpawn; op++ {
		if op.String() == s {
			return op
		}
	}
	return OpUnknown
}

// MarshalText implements encoding.TextMarshaler
func (op Operation) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (op *Operation) UnmarshalText(b []byte) error {
	*op = ParseOperation(string(b))
	return nil
}

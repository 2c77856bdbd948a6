package svinit

import (
	"errors"
	"fmt"
	"time"

	"github.com/axondata/go-svinit/internal/codec"
)

// Control actions understood by the manager
const (
	ActionPing    = "ping"
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionSignal  = "signal"
	ActionStatus  = "status"
	ActionReload  = "reload"
)

// Request is a single control request. One request is sent per connection.
type Request struct {
	Action   string        `cbor:"action"`
	Service  string        `cbor:"service,omitempty"`
	Services []string      `cbor:"services,omitempty"`
	Start    bool          `cbor:"start,omitempty"`
	Stop     bool          `cbor:"stop,omitempty"`
	Signal   int           `cbor:"signal,omitempty"`
	Filter   *StatusFilter `cbor:"filter,omitempty"`
}

// Response is the manager's reply. Data carries the action result and is
// present on partial failures too, so clients can read the full report.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error *WireError       `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Wire error kinds
const (
	wirePartialFailure = "partial-failure"
	wireGraph          = "graph"
	wireUnknownService = "unknown-service"
	wireNotRunning     = "not-running"
	wireSpawn          = "spawn"
	wireTimeout        = "timeout"
	wireRestartBudget  = "restart-budget"
	wireInvalidRequest = "invalid-request"
	wireInternal       = "internal"
)

// WireError is the serialized form of an error crossing a socket
type WireError struct {
	Kind       string        `cbor:"kind"`
	Op         Operation     `cbor:"op,omitempty"`
	Service    string        `cbor:"service,omitempty"`
	Dependency string        `cbor:"dependency,omitempty"`
	Detail     string        `cbor:"detail,omitempty"`
	Path       []string      `cbor:"path,omitempty"`
	Timeout    time.Duration `cbor:"timeout,omitempty"`
	Failures   []Failure     `cbor:"failures,omitempty"`
	Message    string        `cbor:"message"`
}

// RequestError reports a malformed control request
type RequestError struct {
	Action  string
	Message string
}

// Error returns a formatted error message
func (e *RequestError) Error() string {
	return fmt.Sprintf("svinit: invalid %s request: %s", e.Action, e.Message)
}

// toWireError flattens err for transmission. Typed errors keep enough
// structure to be rebuilt on the other side.
func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Kind: wireInternal, Message: err.Error()}

	var (
		partial *PartialFailure
		graph   *GraphError
		spawn   *SpawnError
		timeout *TimeoutError
		reqErr  *RequestError
		opErr   *OpError
	)
	switch {
	case errors.As(err, &partial):
		w.Kind = wirePartialFailure
		w.Op = partial.Op
		w.Failures = partial.Failures
	case errors.As(err, &graph):
		w.Kind = wireGraph
		w.Detail = graph.Kind.String()
		w.Service = graph.Service
		w.Dependency = graph.Dependency
		w.Path = graph.Path
		if graph.Err != nil {
			w.Message = graph.Err.Error()
		}
	case errors.As(err, &spawn):
		w.Kind = wireSpawn
		w.Detail = spawn.Kind.String()
		w.Service = spawn.Service
		w.Path = []string{spawn.Path}
		if spawn.Err != nil {
			w.Message = spawn.Err.Error()
		}
	case errors.As(err, &timeout):
		w.Kind = wireTimeout
		w.Op = timeout.Op
		w.Service = timeout.Service
		w.Timeout = timeout.Timeout
	case errors.As(err, &reqErr):
		w.Kind = wireInvalidRequest
		w.Detail = reqErr.Action
		w.Message = reqErr.Message
	case errors.Is(err, ErrUnknownService):
		w.Kind = wireUnknownService
	case errors.Is(err, ErrNotRunning):
		w.Kind = wireNotRunning
	case errors.Is(err, ErrRestartBudgetExceeded):
		w.Kind = wireRestartBudget
	}
	if w.Service == "" && errors.As(err, &opErr) {
		w.Op = opErr.Op
		w.Service = opErr.Service
	}
	return w
}

// Err rebuilds a typed error from its wire form
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case wirePartialFailure:
		return &PartialFailure{Op: w.Op, Failures: w.Failures}
	case wireGraph:
		g := &GraphError{
			Kind:       parseGraphErrorKind(w.Detail),
			Service:    w.Service,
			Dependency: w.Dependency,
			Path:       w.Path,
		}
		if g.Kind == GraphInvalid {
			g.Err = errors.New(w.Message)
		}
		return g
	case wireSpawn:
		var path string
		if len(w.Path) > 0 {
			path = w.Path[0]
		}
		return &SpawnError{
			Kind:    parseSpawnErrorKind(w.Detail),
			Service: w.Service,
			Path:    path,
			Err:     errors.New(w.Message),
		}
	case wireTimeout:
		return &TimeoutError{Op: w.Op, Service: w.Service, Timeout: w.Timeout}
	case wireInvalidRequest:
		return &RequestError{Action: w.Detail, Message: w.Message}
	case wireUnknownService:
		return &OpError{Op: w.Op, Service: w.Service, Err: ErrUnknownService}
	case wireNotRunning:
		return &OpError{Op: w.Op, Service: w.Service, Err: ErrNotRunning}
	case wireRestartBudget:
		return &OpError{Op: w.Op, Service: w.Service, Err: ErrRestartBudgetExceeded}
	}
	return &RemoteError{Kind: w.Kind, Service: w.Service, Message: w.Message}
}

package svinit

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/axondata/go-svinit/internal/unix"
)

// Kind distinguishes run-to-completion services from long-running ones
type Kind int

const (
	// KindDaemon is a long-running process kept alive by its supervisor
	KindDaemon Kind = iota
	// KindOneshot runs to completion; exit 0 means Done
	KindOneshot
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case KindDaemon:
		return "daemon"
	case KindOneshot:
		return "oneshot"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "daemon", "longrun", "":
		*k = KindDaemon
	case "oneshot":
		*k = KindOneshot
	default:
		return fmt.Errorf("unknown service kind %q", b)
	}
	return nil
}

// Strength is the strength of a dependency edge
type Strength int

const (
	// StrengthHard blocks the dependent until the dependency is up, and
	// propagates the dependency's failure
	StrengthHard Strength = iota
	// StrengthSoft only orders; failure of the dependency never blocks
	StrengthSoft
)

// String returns the string representation of a Strength
func (s Strength) String() string {
	if s == StrengthSoft {
		return "soft"
	}
	return "hard"
}

// MarshalText implements encoding.TextMarshaler
func (s Strength) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Strength) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "hard", "requires", "":
		*s = StrengthHard
	case "soft", "wants":
		*s = StrengthSoft
	default:
		return fmt.Errorf("unknown dependency strength %q", b)
	}
	return nil
}

// RestartPolicy decides whether an exited daemon is restarted
type RestartPolicy int

const (
	// RestartOnFailure restarts only after a non-successful exit
	RestartOnFailure RestartPolicy = iota
	// RestartAlways restarts after every exit
	RestartAlways
	// RestartNever moves the service to Failed on exit
	RestartNever
)

// String returns the string representation of a RestartPolicy
func (p RestartPolicy) String() string {
	switch p {
	case RestartOnFailure:
		return "on-failure"
	case RestartAlways:
		return "always"
	case RestartNever:
		return "never"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p RestartPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *RestartPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "on-failure", "":
		*p = RestartOnFailure
	case "always":
		*p = RestartAlways
	case "never", "no":
		*p = RestartNever
	default:
		return fmt.Errorf("unknown restart policy %q", b)
	}
	return nil
}

// Dependency is an outgoing edge of a service
type Dependency struct {
	// Name is the service depended upon
	Name string
	// Strength is hard or soft
	Strength Strength
}

// RestartBudget limits restarts to MaxAttempts within a sliding Window.
// A negative MaxAttempts means unlimited; zero takes the default.
type RestartBudget struct {
	MaxAttempts int
	Window      time.Duration
}

// BackoffPolicy configures the delay between restarts
type BackoffPolicy struct {
	// Initial is the first delay
	Initial time.Duration
	// Max caps the delay
	Max time.Duration
	// StableUptime is the uptime after which the delay resets to Initial
	StableUptime time.Duration
}

// ServiceDescriptor is the immutable declaration of a service
type ServiceDescriptor struct {
	Name         string
	Kind         Kind
	Dependencies []Dependency
	// Start is the argv executed to start the service
	Start []string
	// Stop is an optional argv executed to stop the service. Daemons without
	// one receive StopSignal.
	Stop       []string
	StopSignal syscall.Signal
	Restart    RestartPolicy
	Budget     RestartBudget
	Backoff    BackoffPolicy

	StartTimeout time.Duration
	StopTimeout  time.Duration

	// ReadyFD is the descriptor number (>= 3) on which the daemon writes a
	// newline once ready. Zero disables fd notification.
	ReadyFD int
	// ReadyDelay is how long a daemon must survive before it counts as up
	// when ReadyFD is not used.
	ReadyDelay time.Duration

	Env map[string]string
	Dir string
}

// WithDefaults returns a copy of d with unset fields filled in
func (d ServiceDescriptor) WithDefaults() ServiceDescriptor {
	if d.StopSignal == 0 {
		d.StopSignal = DefaultStopSignal
	}
	if d.StartTimeout == 0 {
		d.StartTimeout = DefaultStartTimeout
	}
	if d.StopTimeout == 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	if d.Budget.MaxAttempts == 0 {
		d.Budget.MaxAttempts = DefaultRestartAttempts
	}
	if d.Budget.Window == 0 {
		d.Budget.Window = DefaultRestartWindow
	}
	if d.Backoff.Initial == 0 {
		d.Backoff.Initial = DefaultBackoffInitial
	}
	if d.Backoff.Max == 0 {
		d.Backoff.Max = DefaultBackoffMax
	}
	if d.Backoff.Max < d.Backoff.Initial {
		d.Backoff.Max = d.Backoff.Initial
	}
	if d.Backoff.StableUptime == 0 {
		d.Backoff.StableUptime = DefaultStableUptime
	}

	// Copy reference fields so the caller cannot mutate the stored descriptor
	d.Dependencies = append([]Dependency(nil), d.Dependencies...)
	d.Start = append([]string(nil), d.Start...)
	if d.Stop != nil {
		d.Stop = append([]string(nil), d.Stop...)
	}
	if d.Env != nil {
		env := make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		d.Env = env
	}
	return d
}

// Validate checks the descriptor on its own, without reference to other services
func (d ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("service name is empty")
	}
	if strings.ContainsAny(d.Name, "/\x00") {
		return fmt.Errorf("service name %q contains an invalid character", d.Name)
	}
	if len(d.Start) == 0 || d.Start[0] == "" {
		return fmt.Errorf("service %q has no start command", d.Name)
	}
	if d.StartTimeout < 0 || d.StopTimeout < 0 || d.ReadyDelay < 0 {
		return fmt.Errorf("service %q has a negative timeout", d.Name)
	}
	if d.ReadyFD != 0 && d.ReadyFD < 3 {
		return fmt.Errorf("service %q: ready fd %d collides with stdio", d.Name, d.ReadyFD)
	}
	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep.Name == d.Name {
			return fmt.Errorf("service %q depends on itself", d.Name)
		}
		if seen[dep.Name] {
			return fmt.Errorf("service %q lists dependency %q twice", d.Name, dep.Name)
		}
		seen[dep.Name] = true
	}
	return nil
}

// stopCommand returns a oneshot descriptor that runs d's stop command
func (d ServiceDescriptor) stopCommand() ServiceDescriptor {
	return ServiceDescriptor{
		Name:         d.Name,
		Kind:         KindOneshot,
		Start:        d.Stop,
		StartTimeout: d.StopTimeout,
		StopTimeout:  d.StopTimeout,
		StopSignal:   d.StopSignal,
		Env:          d.Env,
		Dir:          d.Dir,
	}
}

// ParseSignal accepts "TERM", "SIGTERM" or a signal number
func ParseSignal(s string) (syscall.Signal, error) {
	trimmed := strings.TrimSpace(s)
	if sig := unix.SignalNum(trimmed); sig != 0 {
		return sig, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return syscall.Signal(n), nil
}

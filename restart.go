package svinit

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RestartDecision is the outcome of evaluating a daemon exit
type RestartDecision struct {
	// Restart is set when the daemon should be restarted after Delay
	Restart bool
	Delay   time.Duration
	// Attempt is the number of restarts inside the budget window, this one included
	Attempt int
	// Clean is set when the exit needs no restart and is not a failure
	Clean bool
	// Err explains why the daemon is not restarted when it fails
	Err error
}

// RestartTracker applies a restart policy, a sliding-window budget and an
// exponential backoff to the exits of one daemon. Callers pass the current
// time so the tracker never reads the clock itself.
type RestartTracker struct {
	service  string
	policy   RestartPolicy
	budget   RestartBudget
	stable   time.Duration
	backoff  *backoff.ExponentialBackOff
	attempts []time.Time
}

// NewRestartTracker creates a tracker configured from d
func NewRestartTracker(d ServiceDescriptor) *RestartTracker {
	t := &RestartTracker{}
	t.Configure(d)
	return t
}

// Configure applies the restart settings of d, keeping the attempt history
func (t *RestartTracker) Configure(d ServiceDescriptor) {
	d = d.WithDefaults()
	t.service = d.Name
	t.policy = d.Restart
	t.budget = d.Budget
	t.stable = d.Backoff.StableUptime

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.Backoff.Initial
	b.MaxInterval = d.Backoff.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	t.backoff = b
}

// Evaluate decides what happens after the daemon exited with status having
// been up for uptime
func (t *RestartTracker) Evaluate(status ExitStatus, uptime time.Duration, now time.Time) RestartDecision {
	switch t.policy {
	case RestartNever:
		return RestartDecision{Err: &ExitError{Service: t.service, Status: status}}
	case RestartOnFailure:
		if status.Success() {
			return RestartDecision{Clean: true}
		}
	}

	if uptime >= t.stable {
		t.backoff.Reset()
	}

	t.prune(now)
	if t.budget.MaxAttempts > 0 && len(t.attempts) >= t.budget.MaxAttempts {
		return RestartDecision{Attempt: len(t.attempts), Err: ErrRestartBudgetExceeded}
	}
	t.attempts = append(t.attempts, now)

	delay := t.backoff.NextBackOff()
	if delay == backoff.Stop || delay > t.backoff.MaxInterval {
		delay = t.backoff.MaxInterval
	}
	return RestartDecision{Restart: true, Delay: delay, Attempt: len(t.attempts)}
}

// Attempts returns the number of restarts inside the window ending at now
func (t *RestartTracker) Attempts(now time.Time) int {
	t.prune(now)
	return len(t.attempts)
}

// Reset clears the attempt history and the backoff
func (t *RestartTracker) Reset() {
	t.attempts = nil
	t.backoff.Reset()
}

func (t *RestartTracker) prune(now time.Time) {
	if t.budget.Window <= 0 {
		return
	}
	cutoff := now.Add(-t.budget.Window)
	i := 0
	for i < len(t.attempts) && !t.attempts[i].After(cutoff) {
		i++
	}
	t.attempts = t.attempts[i:]
}

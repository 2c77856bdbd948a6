package svinit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartTrackerBackoff(t *testing.T) {
	d := daemon("a")
	d.Backoff = BackoffPolicy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, StableUptime: time.Minute}
	d.Budget = RestartBudget{MaxAttempts: -1}
	tr := NewRestartTracker(d)

	now := time.Now()
	var delays []time.Duration
	for i := 0; i < 4; i++ {
		dec := tr.Evaluate(ExitStatus{Code: 1}, time.Second, now)
		require.True(t, dec.Restart)
		assert.Equal(t, i+1, dec.Attempt)
		delays = append(delays, dec.Delay)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, delays)

	// A long enough run resets the delay
	dec := tr.Evaluate(ExitStatus{Code: 1}, 2*time.Minute, now)
	require.True(t, dec.Restart)
	assert.Equal(t, 100*time.Millisecond, dec.Delay)
}

func TestRestartTrackerBudgetWindow(t *testing.T) {
	d := daemon("a")
	d.Budget = RestartBudget{MaxAttempts: 2, Window: time.Minute}
	tr := NewRestartTracker(d)

	start := time.Now()
	assert.True(t, tr.Evaluate(ExitStatus{Code: 1}, 0, start).Restart)
	assert.True(t, tr.Evaluate(ExitStatus{Code: 1}, 0, start.Add(time.Second)).Restart)

	dec := tr.Evaluate(ExitStatus{Code: 1}, 0, start.Add(2*time.Second))
	assert.False(t, dec.Restart)
	assert.ErrorIs(t, dec.Err, ErrRestartBudgetExceeded)
	assert.Equal(t, 2, tr.Attempts(start.Add(2*time.Second)))

	// Both attempts slide out of the window
	later := start.Add(90 * time.Second)
	assert.Zero(t, tr.Attempts(later))
	assert.True(t, tr.Evaluate(ExitStatus{Code: 1}, 0, later).Restart)
}

func TestRestartTrackerPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  RestartPolicy
		status  ExitStatus
		restart bool
		clean   bool
	}{
		{"on-failure crash", RestartOnFailure, ExitStatus{Code: 1}, true, false},
		{"on-failure signal", RestartOnFailure, ExitStatus{Signaled: true, Signal: 9}, true, false},
		{"on-failure clean", RestartOnFailure, ExitStatus{}, false, true},
		{"on-failure unknown", RestartOnFailure, ExitStatus{Unknown: true}, true, false},
		{"always clean", RestartAlways, ExitStatus{}, true, false},
		{"never crash", RestartNever, ExitStatus{Code: 1}, false, false},
		{"never clean", RestartNever, ExitStatus{}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := daemon("a")
			d.Restart = tt.policy
			dec := NewRestartTracker(d).Evaluate(tt.status, time.Second, time.Now())
			assert.Equal(t, tt.restart, dec.Restart)
			assert.Equal(t, tt.clean, dec.Clean)
			if !tt.restart && !tt.clean {
				assert.ErrorIs(t, dec.Err, ErrExited)
			}
		})
	}
}

func TestRestartTrackerReset(t *testing.T) {
	d := daemon("a")
	d.Budget = RestartBudget{MaxAttempts: 1, Window: time.Hour}
	tr := NewRestartTracker(d)
	now := time.Now()

	assert.True(t, tr.Evaluate(ExitStatus{Code: 1}, 0, now).Restart)
	assert.False(t, tr.Evaluate(ExitStatus{Code: 1}, 0, now).Restart)
	tr.Reset()
	assert.True(t, tr.Evaluate(ExitStatus{Code: 1}, 0, now).Restart)
}

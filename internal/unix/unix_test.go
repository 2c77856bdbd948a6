//go:build linux || darwin

package unix

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalNum(t *testing.T) {
	tests := []struct {
		in   string
		want syscall.Signal
	}{
		{"TERM", syscall.SIGTERM},
		{"SIGTERM", syscall.SIGTERM},
		{"hup", syscall.SIGHUP},
		{"SigUsr1", syscall.SIGUSR1},
		{"BOGUS", 0},
		{"15", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SignalNum(tt.in), tt.in)
	}
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "TERM", SignalName(syscall.SIGTERM))
	assert.Equal(t, "KILL", SignalName(syscall.SIGKILL))
	assert.Empty(t, SignalName(syscall.Signal(200)))
}

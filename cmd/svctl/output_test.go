package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	svinit "github.com/axondata/go-svinit"
)

func withOutput(t *testing.T, format string) {
	t.Helper()
	old := flags.output
	flags.output = format
	t.Cleanup(func() { flags.output = old })
}

func sampleStatuses() []svinit.ServiceStatus {
	return []svinit.ServiceStatus{
		{
			Name:    "db",
			Enabled: true,
			RuntimeState: svinit.RuntimeState{
				State:     svinit.StateUp,
				PID:       4242,
				StartedAt: time.Now().Add(-90 * time.Second),
			},
		},
		{
			Name: "migrate",
			Kind: svinit.KindOneshot,
			RuntimeState: svinit.RuntimeState{
				State:       svinit.StateFailed,
				LastExit:    &svinit.ExitStatus{Code: 3},
				LastFailure: &svinit.Failure{Service: "migrate", Kind: svinit.FailureExit, Diagnostic: "exit 3"},
			},
		},
	}
}

func TestPrintStatusesTable(t *testing.T) {
	withOutput(t, "table")
	var buf bytes.Buffer
	require.NoError(t, printStatuses(&buf, sampleStatuses()))

	out := buf.String()
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "oneshot")
	assert.Contains(t, out, "exit 3")
}

func TestPrintStatusesYAML(t *testing.T) {
	withOutput(t, "yaml")
	var buf bytes.Buffer
	require.NoError(t, printStatuses(&buf, sampleStatuses()))

	var docs []statusDoc
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "up", docs[0].State)
	assert.Equal(t, 4242, docs[0].PID)
	assert.Equal(t, "failed", docs[1].State)
	assert.Equal(t, "exit 3", docs[1].LastExit)
	assert.Contains(t, docs[1].Failure, "exit 3")
}

func TestPrintReport(t *testing.T) {
	withOutput(t, "table")
	report := &svinit.Report{
		Op:        svinit.OpStart,
		Succeeded: []string{"db"},
		Failures: []svinit.Failure{
			{Service: "web", Kind: svinit.FailureDependency, Dependency: "cache", Diagnostic: "cache failed"},
		},
		Warnings: []svinit.Failure{
			{Service: "web", Kind: svinit.FailureSoftDependency, Dependency: "metrics"},
		},
	}
	opErr := report.Err()

	var buf bytes.Buffer
	err := printReport(&buf, report, opErr)
	assert.Equal(t, opErr, err)

	out := buf.String()
	assert.Contains(t, out, "dependency cache: cache failed")
	assert.Contains(t, out, "warning: web: soft dependency metrics failed")

	sentinel := errors.New("unreachable")
	assert.Equal(t, sentinel, printReport(&buf, nil, sentinel))
}

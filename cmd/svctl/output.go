package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	svinit "github.com/axondata/go-svinit"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func printStatuses(w io.Writer, statuses []svinit.ServiceStatus) error {
	if flags.output == "yaml" {
		return printYAML(w, statusDocs(statuses))
	}
	now := time.Now()
	table := newTable(w, "Service", "Kind", "State", "PID", "Uptime", "Enabled", "Restarts", "Last exit")
	for _, st := range statuses {
		pid, uptime, lastExit := "-", "-", "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
		}
		if st.State == svinit.StateUp {
			uptime = st.Uptime(now).Truncate(time.Second).String()
		}
		if st.LastExit != nil {
			lastExit = st.LastExit.String()
		}
		table.Append([]string{
			st.Name,
			st.Kind.String(),
			st.State.String(),
			pid,
			uptime,
			strconv.FormatBool(st.Enabled),
			strconv.Itoa(st.RestartAttempts),
			lastExit,
		})
	}
	table.Render()
	return nil
}

type statusDoc struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	State    string `yaml:"state"`
	PID      int    `yaml:"pid,omitempty"`
	Enabled  bool   `yaml:"enabled"`
	Restarts int    `yaml:"restarts"`
	LastExit string `yaml:"last_exit,omitempty"`
	Failure  string `yaml:"failure,omitempty"`
}

func statusDocs(statuses []svinit.ServiceStatus) []statusDoc {
	docs := make([]statusDoc, 0, len(statuses))
	for _, st := range statuses {
		d := statusDoc{
			Name:     st.Name,
			Kind:     st.Kind.String(),
			State:    st.State.String(),
			PID:      st.PID,
			Enabled:  st.Enabled,
			Restarts: st.RestartAttempts,
		}
		if st.LastExit != nil {
			d.LastExit = st.LastExit.String()
		}
		if st.LastFailure != nil {
			d.Failure = st.LastFailure.Error()
		}
		docs = append(docs, d)
	}
	return docs
}

// printReport prints what a set operation did and passes err through so the
// exit code reflects failures
func printReport(w io.Writer, report *svinit.Report, err error) error {
	if report == nil {
		return err
	}
	if flags.output == "yaml" {
		if yerr := printYAML(w, report); yerr != nil {
			return yerr
		}
		return err
	}
	if len(report.Succeeded) > 0 || len(report.Failures) > 0 {
		table := newTable(w, "Service", "Result", "Detail")
		for _, name := range report.Succeeded {
			table.Append([]string{name, "ok", ""})
		}
		for _, f := range report.Failures {
			detail := f.Diagnostic
			if f.Dependency != "" {
				detail = fmt.Sprintf("dependency %s: %s", f.Dependency, detail)
			}
			table.Append([]string{f.Service, string(f.Kind), detail})
		}
		table.Render()
	}
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "warning: %s: soft dependency %s failed\n", warn.Service, warn.Dependency)
	}
	return err
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

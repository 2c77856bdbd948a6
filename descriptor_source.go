package svinit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axondata/go-svinit/internal/unix"
)

// DescriptorSource loads the full set of service descriptors. The manager
// calls Load at startup and on every reload.
type DescriptorSource interface {
	Load() ([]ServiceDescriptor, error)
}

// StaticSource is a fixed set of descriptors
type StaticSource []ServiceDescriptor

// Load implements DescriptorSource
func (s StaticSource) Load() ([]ServiceDescriptor, error) {
	out := make([]ServiceDescriptor, len(s))
	copy(out, s)
	return out, nil
}

// DirSource reads one YAML descriptor per file from Dir. Files ending in
// .yaml or .yml are read in name order; other files are ignored. A file
// without a name field is named after the file.
type DirSource struct {
	Dir string
}

// Load implements DescriptorSource
func (s DirSource) Load() ([]ServiceDescriptor, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isDescriptorFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	descs := make([]ServiceDescriptor, 0, len(names))
	for _, name := range names {
		d, err := ReadDescriptorFile(filepath.Join(s.Dir, name))
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func isDescriptorFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// descriptorFile is the on-disk form of a ServiceDescriptor
type descriptorFile struct {
	Name           string            `yaml:"name,omitempty"`
	Kind           Kind              `yaml:"kind,omitempty"`
	Start          []string          `yaml:"start"`
	Stop           []string          `yaml:"stop,omitempty"`
	StopSignal     string            `yaml:"stop_signal,omitempty"`
	Requires       []string          `yaml:"requires,omitempty"`
	Wants          []string          `yaml:"wants,omitempty"`
	Restart        RestartPolicy     `yaml:"restart,omitempty"`
	MaxRestarts    int               `yaml:"max_restarts,omitempty"`
	RestartWindow  time.Duration     `yaml:"restart_window,omitempty"`
	BackoffInitial time.Duration     `yaml:"backoff_initial,omitempty"`
	BackoffMax     time.Duration     `yaml:"backoff_max,omitempty"`
	StableUptime   time.Duration     `yaml:"stable_uptime,omitempty"`
	StartTimeout   time.Duration     `yaml:"start_timeout,omitempty"`
	StopTimeout    time.Duration     `yaml:"stop_timeout,omitempty"`
	ReadyFD        int               `yaml:"ready_fd,omitempty"`
	ReadyDelay     time.Duration     `yaml:"ready_delay,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Dir            string            `yaml:"dir,omitempty"`
}

// ReadDescriptorFile parses a single YAML descriptor. Unknown keys are
// rejected.
func ReadDescriptorFile(path string) (ServiceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("reading descriptor: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f descriptorFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty file")
		}
		return ServiceDescriptor{}, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	if f.Name == "" {
		base := filepath.Base(path)
		f.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	d, err := f.descriptor()
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	return d, nil
}

func (f descriptorFile) descriptor() (ServiceDescriptor, error) {
	d := ServiceDescriptor{
		Name:         f.Name,
		Kind:         f.Kind,
		Start:        f.Start,
		Stop:         f.Stop,
		Restart:      f.Restart,
		Budget:       RestartBudget{MaxAttempts: f.MaxRestarts, Window: f.RestartWindow},
		Backoff:      BackoffPolicy{Initial: f.BackoffInitial, Max: f.BackoffMax, StableUptime: f.StableUptime},
		StartTimeout: f.StartTimeout,
		StopTimeout:  f.StopTimeout,
		ReadyFD:      f.ReadyFD,
		ReadyDelay:   f.ReadyDelay,
		Env:          f.Env,
		Dir:          f.Dir,
	}
	if f.StopSignal != "" {
		sig, err := ParseSignal(f.StopSignal)
		if err != nil {
			return ServiceDescriptor{}, err
		}
		d.StopSignal = sig
	}
	for _, name := range f.Requires {
		d.Dependencies = append(d.Dependencies, Dependency{Name: name, Strength: StrengthHard})
	}
	for _, name := range f.Wants {
		d.Dependencies = append(d.Dependencies, Dependency{Name: name, Strength: StrengthSoft})
	}
	return d, nil
}

func fileFromDescriptor(d ServiceDescriptor) descriptorFile {
	f := descriptorFile{
		Name:           d.Name,
		Kind:           d.Kind,
		Start:          d.Start,
		Stop:           d.Stop,
		Restart:        d.Restart,
		MaxRestarts:    d.Budget.MaxAttempts,
		RestartWindow:  d.Budget.Window,
		BackoffInitial: d.Backoff.Initial,
		BackoffMax:     d.Backoff.Max,
		StableUptime:   d.Backoff.StableUptime,
		StartTimeout:   d.StartTimeout,
		StopTimeout:    d.StopTimeout,
		ReadyFD:        d.ReadyFD,
		ReadyDelay:     d.ReadyDelay,
		Env:            d.Env,
		Dir:            d.Dir,
	}
	if d.StopSignal != 0 {
		f.StopSignal = signalName(d.StopSignal)
	}
	for _, dep := range d.Dependencies {
		if dep.Strength == StrengthSoft {
			f.Wants = append(f.Wants, dep.Name)
		} else {
			f.Requires = append(f.Requires, dep.Name)
		}
	}
	return f
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("%d", int(sig))
}

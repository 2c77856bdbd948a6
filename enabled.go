package svinit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// EnabledStore persists the set of services started at boot
type EnabledStore interface {
	Load() ([]string, error)
	Save(names []string) error
}

// FileEnabledStore keeps the enabled set in a YAML file, replaced atomically
// on every save
type FileEnabledStore struct {
	Path string
}

type enabledFile struct {
	Enabled []string `yaml:"enabled"`
}

// Load implements EnabledStore. A missing file is an empty set.
func (s FileEnabledStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading enabled set: %w", err)
	}
	var f enabledFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing enabled set %s: %w", s.Path, err)
	}
	return f.Enabled, nil
}

// Save implements EnabledStore
func (s FileEnabledStore) Save(names []string) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	data, err := yaml.Marshal(enabledFile{Enabled: sorted})
	if err != nil {
		return fmt.Errorf("encoding enabled set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), DirMode); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := renameio.WriteFile(s.Path, data, FileMode); err != nil {
		return fmt.Errorf("writing enabled set: %w", err)
	}
	return nil
}

// MemoryEnabledStore is an EnabledStore that does not persist
type MemoryEnabledStore struct {
	mu    sync.Mutex
	names []string
}

// NewMemoryEnabledStore returns a store holding names
func NewMemoryEnabledStore(names ...string) *MemoryEnabledStore {
	return &MemoryEnabledStore{names: append([]string(nil), names...)}
}

// Load implements EnabledStore
func (s *MemoryEnabledStore) Load() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...), nil
}

// Save implements EnabledStore
func (s *MemoryEnabledStore) Save(names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append([]string(nil), names...)
	sort.Strings(s.names)
	return nil
}

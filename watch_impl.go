package svinit

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// watchState collects the files touched during one debounce period
type watchState struct {
	mu        sync.Mutex
	pending   map[string]bool
	debouncer *time.Timer
}

func (s *watchState) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]string, 0, len(s.pending))
	for f := range s.pending {
		files = append(files, f)
	}
	sort.Strings(files)
	s.pending = make(map[string]bool)
	return files
}

// WatchDescriptors watches dir for changes to descriptor files. Bursts of
// filesystem events are coalesced: an event is sent once nothing changed
// for debounce.
func WatchDescriptors(ctx context.Context, dir string, debounce time.Duration) (<-chan WatchEvent, WatchCleanupFunc, error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	ch := make(chan WatchEvent, 10)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		close(ch)
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	state := &watchState{pending: make(map[string]bool)}
	// The debounce timer only signals; the watch goroutine is the sole sender on ch
	fire := make(chan struct{}, 1)

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			state.mu.Lock()
			if state.debouncer != nil {
				state.debouncer.Stop()
			}
			state.mu.Unlock()
		})

		for {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Op == fsnotify.Chmod || !isDescriptorFile(filepath.Base(event.Name)) {
					continue
				}
				state.mu.Lock()
				state.pending[event.Name] = true
				if state.debouncer != nil {
					state.debouncer.Stop()
				}
				state.debouncer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
				state.mu.Unlock()

			case <-fire:
				files := state.drain()
				if len(files) == 0 {
					continue
				}
				select {
				case ch <- WatchEvent{Files: files}:
				case <-sctx.Stopping():
					return nil
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				select {
				case ch <- WatchEvent{Err: err}:
				case <-sctx.Stopping():
					return nil
				}
			}
		}
	})

	return ch, cleanup, nil
}

// ReloadOnChange reloads the manager whenever a descriptor file in dir
// changes, until ctx is cancelled. A rejected reload is logged and the
// running graph stays in place.
func (m *Manager) ReloadOnChange(ctx context.Context, dir string, debounce time.Duration) error {
	events, cleanup, err := WatchDescriptors(ctx, dir, debounce)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Err != nil {
				m.logger.Warn("descriptor watch error", zap.Error(event.Err))
				continue
			}
			m.logger.Info("descriptor files changed", zap.Strings("files", event.Files))
			if _, err := m.Reload(ctx); err != nil {
				m.logger.Error("reload failed", zap.Error(err))
			}
		}
	}
}

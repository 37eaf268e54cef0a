package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/protogate/errors"
)

// FileSource serves tenant configs from a YAML or JSON file and, when
// watched, reloads it on change.
type FileSource struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	configs map[string]*TenantConfig
}

// NewFileSource reads path once and returns a source over its tenants.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSource{
		path:     path,
		logger:   logger.With("component", "file-source", "path", path),
		debounce: 100 * time.Millisecond,
		configs:  make(map[string]*TenantConfig),
	}
	if _, err := fs.reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Get implements Source
func (f *FileSource) Get(_ context.Context, tenantID string) (*TenantConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c, ok := f.configs[tenantID]
	if !ok {
		return nil, notFound(tenantID)
	}
	return c.Clone(), nil
}

// List implements Source
func (f *FileSource) List(_ context.Context) ([]*TenantConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedConfigs(f.configs), nil
}

// reload re-reads the file and returns the resulting changes. A file that
// fails to parse leaves the previous configs in place.
func (f *FileSource) reload() ([]Event, error) {
	data, err := safeReadFile(f.path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "FileSource", "reload", "read tenant file")
	}
	parsed, err := ParseTenants(data)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]*TenantConfig, len(parsed))
	var events []Event
	for _, c := range parsed {
		prev, existed := f.configs[c.ID]
		switch {
		case !existed:
			if c.Version == 0 {
				c.Version = 1
			}
			events = append(events, Event{Type: EventPut, TenantID: c.ID, Config: c.Clone()})
		case sameContent(prev, c):
			c.Version = prev.Version
		default:
			if c.Version <= prev.Version {
				c.Version = prev.Version + 1
			}
			events = append(events, Event{Type: EventPut, TenantID: c.ID, Config: c.Clone()})
		}
		next[c.ID] = c
	}
	for id := range f.configs {
		if _, ok := next[id]; !ok {
			events = append(events, Event{Type: EventDelete, TenantID: id})
		}
	}
	f.configs = next
	return events, nil
}

func sameContent(a, b *TenantConfig) bool {
	x, y := a.Clone(), b.Clone()
	x.Version, y.Version = 0, 0
	return reflect.DeepEqual(x, y)
}

// Watch implements Watcher using fsnotify on the file's directory, so
// editors that replace the file by rename are picked up.
func (f *FileSource) Watch(ctx context.Context) (<-chan Event, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WrapTransient(err, "FileSource", "Watch", "create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return nil, errors.WrapTransient(err, "FileSource", "Watch", "watch config directory")
	}

	out := make(chan Event, 16)
	go f.watchLoop(ctx, w, out)
	return out, nil
}

func (f *FileSource) watchLoop(ctx context.Context, w *fsnotify.Watcher, out chan<- Event) {
	defer close(out)
	defer w.Close()

	target := filepath.Clean(f.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(f.debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("Tenant file watcher error", "error", err)

		case <-pending:
			pending = nil
			events, err := f.reload()
			if err != nil {
				f.logger.Error("Tenant file reload failed, keeping previous configs", "error", err)
				continue
			}
			f.logger.Info("Tenant file reloaded", "changes", len(events))
			for _, e := range events {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

package normalize

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize table watcher")

// Registry holds the active table and swaps it atomically on reload.
type Registry struct {
	current atomic.Pointer[Table]
	path    string
}

// NewRegistry returns a registry serving t.
func NewRegistry(t *Table) *Registry {
	r := &Registry{}
	r.current.Store(t)
	return r
}

// OpenRegistry loads the override file at path over the embedded table.
// An empty path serves the embedded table only.
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultTable()), nil
	}
	t, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(t)
	r.path = path
	return r, nil
}

// Table returns the active table.
func (r *Registry) Table() *Table {
	return r.current.Load()
}

// Reload re-reads the override file. On error the active table is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	t, err := LoadTable(r.path)
	if err != nil {
		return err
	}
	r.current.Store(t)
	return nil
}

// Watch reloads the table whenever the override file changes, until ctx
// is cancelled. The parent directory is watched so editors that replace the
// file on save are still observed.
func (r *Registry) Watch(ctx context.Context, logger *zap.Logger) error {
	if r.path == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(r.path), err)
	}

	target := filepath.Clean(r.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					logger.Warn("abbreviation table reload failed, keeping previous table",
						zap.String("path", r.path), zap.Error(err))
					continue
				}
				logger.Info("abbreviation table reloaded",
					zap.String("path", r.path), zap.Int("entries", r.Table().Len()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("abbreviation table watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a [Watcher] waits after the last file event
// before reloading, so that editors writing in several steps trigger one
// reload.
const DefaultSettle = 150 * time.Millisecond

// Watcher reloads a config file when it changes on disk. A reload that
// decodes and validates replaces [Watcher.Current] and is handed to onChange;
// a broken edit is logged and the previous config stays in force. Content
// that hashes the same as the current config is ignored.
//
// The containing directory is watched rather than the file, so editors that
// save by renaming a temporary file over the original are followed.
type Watcher struct {
	path     string
	settle   time.Duration
	onChange func(old, new *Config)
	fs       *fsnotify.Watcher
	close    sync.Once

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithSettle overrides [DefaultSettle].
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// NewWatcher loads path and subscribes to changes of its directory. Events
// are consumed by [Watcher.Run]; call [Watcher.Close] if Run is never started.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w := &Watcher{path: abs, settle: DefaultSettle, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	if w.current, w.sum, err = w.load(); err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	if w.fs, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		_ = w.fs.Close()
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close releases the file system subscription. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.close.Do(func() { err = w.fs.Close() })
	return err
}

// Run handles file events until ctx ends, then closes the watcher. It
// returns nil on cancellation so it can share an errgroup with the server.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	settle := time.NewTimer(w.settle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			settle.Reset(w.settle)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "path", w.path, "err", err)
		case <-settle.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, sum, err := w.load()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) load() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}

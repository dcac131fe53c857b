package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileState captures what the watcher last saw on disk, used to decide
// whether a poll needs to re-parse the file.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls a config file and calls a callback with the computed
// [ConfigDiff] whenever the content changes. Polling keeps the dependency
// surface small compared to inotify wrappers. An invalid config on disk is
// logged and skipped; the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, diff ConfigDiff)

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path, then starts polling it in a background
// goroutine. Stop the watcher to release the goroutine.
func NewWatcher(path string, onChange func(old, new *Config, diff ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = state

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check re-reads the file when its mtime moved and swaps in the new config
// when the content actually differs.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, state, err := w.load()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if state.hash == w.seen.hash {
		// Touched but identical content.
		w.seen.mtime = state.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = state
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path, "changed", diff.Changed())

	// Callback runs outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
}

// load reads, parses and validates the config file and returns it together
// with the file state used for change detection.
func (w *Watcher) load() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}

	return cfg, fileState{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}

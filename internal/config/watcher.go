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

// defaultPollInterval is how often the watcher re-checks the config file.
const defaultPollInterval = 5 * time.Second

// snapshot is one successfully loaded config together with the file state
// it was read from.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls the gateway config file and invokes a callback when its
// content changes, driving hot reload of accounts, rules, pricing, and the
// log level without a restart. Polling keeps the dependency surface small;
// an invalid file is logged and the last valid config stays active.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the default 5 second polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. onChange runs outside the watcher lock, so it may call
// [Watcher.Current].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = snap

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends the polling goroutine. Safe to call more than once.
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

// check reloads the file when its mtime moved and its content hash changed.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.load()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.last.sum {
		// Touched without a content change.
		w.last.mtime = snap.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = snap
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
}

// load reads, hashes, parses, and validates the config file in one pass.
func (w *Watcher) load() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sethvargo/go-envconfig"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// snapshot is one successfully parsed version of the file.
type snapshot struct {
	cfg     *Config
	sum     uint64
	modTime time.Time
	size    int64
}

// Watcher keeps the latest valid version of a config file and reports
// content changes to a callback. Environment overrides are applied to every
// version it loads, so VOXSTREAM_* variables always win over the file.
type Watcher struct {
	path     string
	interval time.Duration
	lookuper envconfig.Lookuper
	onChange func(old, new *Config)

	cur atomic.Pointer[snapshot]

	// reloadMu serialises Reload so onChange sees versions in order.
	reloadMu sync.Mutex

	cancel  context.CancelFunc
	stopped chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookuper replaces the process environment as the source of overrides.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.lookuper = l
		}
	}
}

// NewWatcher loads path and polls it in the background until
// [Watcher.Stop]. A file that cannot be loaded initially is an error; later
// failures are logged and the last valid version stays current.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookuper: envconfig.OsLookuper(),
		onChange: onChange,
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cur.Store(snap)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() *Config {
	return w.cur.Load().cfg
}

// Stop ends polling and waits for an in-flight reload to finish. It may be
// called more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.stopped
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: keeping previous configuration", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file if its size or modification time moved and
// reports whether the content changed. onChange runs before Reload returns.
// On error the current config is left untouched.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	prev := w.cur.Load()
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	if info.Size() == prev.size && info.ModTime().Equal(prev.modTime) {
		return false, nil
	}

	next, err := w.load()
	if err != nil {
		return false, err
	}
	if next.sum == prev.sum {
		// Touched only. Remember the stat so the file is not re-read.
		next.cfg = prev.cfg
		w.cur.Store(next)
		return false, nil
	}
	w.cur.Store(next)
	slog.Info("config: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return true, nil
}

func (w *Watcher) load() (*snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	cfg, err := parse(context.Background(), data, w.lookuper)
	if err != nil {
		return nil, err
	}
	return &snapshot{cfg: cfg, sum: xxhash.Sum64(data), modTime: info.ModTime(), size: info.Size()}, nil
}

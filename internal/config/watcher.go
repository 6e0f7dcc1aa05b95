package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every config that loaded and validated after a change
// on disk. It runs on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify events on the
// file and its directory give fast reaction to editors and atomic renames;
// a content-hash poll catches Kubernetes ConfigMap updates, which swap the
// "..data" symlink without emitting inotify events for the file itself.
type Watcher struct {
	path     string
	dir      string
	onReload ReloadFunc
	logger   *slog.Logger

	debounce     time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   bool
}

// WatcherOption tunes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last filesystem
// event before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the content-hash poll period.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// NewWatcher creates a watcher for path. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// fileState is what the poller compares between ticks.
type fileState struct {
	hash       []byte
	linkTarget string
}

func (w *Watcher) stat() fileState {
	return fileState{
		hash:       hashFile(w.path),
		linkTarget: readlink(filepath.Join(w.dir, "..data")),
	}
}

func (s fileState) differs(o fileState) bool {
	if s.linkTarget != "" && s.linkTarget != o.linkTarget {
		return true
	}
	return !bytes.Equal(s.hash, o.hash)
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	last := w.stat()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Atomic save-and-rename drops the old inode from the watch list.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fw.Add(w.path)
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			last = w.stat()
			w.reload()

		case <-poll.C:
			cur := w.stat()
			if cur.differs(last) {
				last = cur
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reload keeps the running config when the new one fails to load.
func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop ends Start. Safe to call more than once and before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 of the file contents after following
// symlinks, or nil when the file cannot be read.
func hashFile(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil
	}
	return h.Sum(nil)
}

func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}

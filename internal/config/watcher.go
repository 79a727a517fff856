package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last file event before a
// profile is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a profile when its file changes.
//
// The parent directory is watched rather than the file so that editors
// which replace the file through a rename are still observed.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	onChange []func(*Profile)
	onError  []func(error)
	running  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for reload failures.
func WithWatchLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a watcher for the profile at path.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: abs, debounce: DefaultDebounce, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// OnChange registers a handler called with every successfully reloaded profile.
func (w *Watcher) OnChange(h func(*Profile)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, h)
}

// OnError registers a handler called when a reload fails.
func (w *Watcher) OnError(h func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = append(w.onError, h)
}

// Run watches until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	defer close(done)
	defer cancel()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	// Single debounce timer, started by the first relevant event.
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.reload()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("profile watcher error", zap.String("path", w.path), zap.Error(err))
			w.notifyError(err)
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("profile reload failed", zap.String("path", w.path), zap.Error(err))
		w.notifyError(err)
		return
	}
	w.logger.Info("profile reloaded", zap.String("path", w.path), zap.Int("sessions", len(p.Sessions)))

	w.mu.Lock()
	handlers := append([]func(*Profile){}, w.onChange...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}

func (w *Watcher) notifyError(err error) {
	w.mu.Lock()
	handlers := append([]func(error){}, w.onError...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// Close stops a running watcher and waits for it to return.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel, done, running := w.cancel, w.done, w.running
	w.mu.Unlock()

	if running {
		cancel()
		<-done
	}
	return nil
}

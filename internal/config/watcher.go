package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileState fingerprints one version of the config file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hands every effective change to a reload
// callback. Edits that leave the decoded config unchanged, such as comments or
// reordered keys, are absorbed without a callback. A file that fails to parse
// or validate is reported once per distinct content and the previous config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	environ  map[string]string
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileState
	loadErr error

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
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

// WithEnvironment replaces the process environment consulted on every
// reload.
func WithEnvironment(environ map[string]string) WatcherOption {
	return func(w *Watcher) { w.environ = environ }
}

// WithWatchLogger sets the logger for reload reports.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil; it runs on
// the polling goroutine and never after [Watcher.Stop] has returned.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("path", path)

	data, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := parse(data, w.environ)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.seen = state

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns why the file on disk was last rejected, or nil once it loads
// cleanly again.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadErr
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.check()
		}
	}
}

// check reloads the file if its fingerprint moved.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(fileState{}, err)
		return
	}

	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(prev.mtime) && info.Size() == prev.size {
		return
	}

	data, state, err := w.read()
	if err != nil {
		w.reject(fileState{}, err)
		return
	}
	if state.sum == prev.sum {
		w.mu.Lock()
		w.seen = state
		w.mu.Unlock()
		return
	}

	cfg, err := parse(data, w.environ)
	if err != nil {
		w.reject(state, err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.seen = state
	recovered := w.loadErr != nil
	w.loadErr = nil
	w.mu.Unlock()

	if recovered {
		w.log.Info("config file valid again")
	}
	if reflect.DeepEqual(old, cfg) {
		w.log.Debug("config file edited without effective change")
		return
	}

	d := Diff(old, cfg)
	w.log.Info("config reloaded",
		"log_level_changed", d.LogLevelChanged,
		"credential_changed", d.CredentialChanged,
		"origins_changed", d.OriginsChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// reject records a failed load. state is remembered so the same broken
// content is not reported on every tick; a zero state means the file could
// not be read and will be retried.
func (w *Watcher) reject(state fileState, err error) {
	w.mu.Lock()
	repeat := w.loadErr != nil && w.loadErr.Error() == err.Error()
	w.loadErr = err
	if state != (fileState{}) {
		w.seen = state
	}
	w.mu.Unlock()

	if !repeat {
		w.log.Warn("config file rejected, keeping previous config", "err", err)
	}
}

// read returns the file contents with their fingerprint.
func (w *Watcher) read() ([]byte, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}
	if buf.Len() == 0 {
		return nil, fileState{}, errors.New("file is empty")
	}
	return buf.Bytes(), fileState{
		mtime: info.ModTime(),
		size:  info.Size(),
		sum:   sha256.Sum256(buf.Bytes()),
	}, nil
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

// ChangeCallback receives the previous and the freshly loaded configuration.
type ChangeCallback func(oldConfig, newConfig *Config) error

// Watcher reloads a configuration file whenever it is written or replaced.
type Watcher struct {
	configFile string
	watcher    *fsnotify.Watcher
	callback   ChangeCallback
	debounce   time.Duration

	mu      sync.Mutex
	current *Config
	timer   *time.Timer
}

// NewWatcher creates a watcher for configFile. Run starts delivering events.
func NewWatcher(configFile string, current *Config, callback ChangeCallback) (*Watcher, error) {
	absPath, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace the file instead of writing it in place
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		configFile: absPath,
		watcher:    fw,
		callback:   callback,
		debounce:   500 * time.Millisecond,
		current:    current,
	}, nil
}

// SetDebounce sets how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Current returns the configuration most recently accepted by the callback.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	logger.Info("Config watcher started for file: %s", w.configFile)
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if err := w.watcher.Close(); err != nil {
			logger.Warn("Error closing config watcher: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// Reload loads the file now and hands it to the callback when it differs.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) reload() {
	newConfig, err := LoadConfig(w.configFile)
	if err != nil {
		logger.Error("Failed to reload config: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !HasChanged(w.current, newConfig) {
		logger.Debug("Config file touched without changes")
		return
	}

	if err := w.callback(w.current, newConfig); err != nil {
		logger.Error("Config change callback error: %v", err)
		return
	}
	w.current = newConfig
	logger.Info("Config successfully reloaded")
}

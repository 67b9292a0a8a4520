package config

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors a configuration file for changes.
type Watcher struct {
	path     string
	lastHash [16]byte
	logger   *zap.Logger
	onChange func(*Config) error
	mu       sync.Mutex
	running  bool
	notify   *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a new configuration file watcher. onChange receives
// every valid configuration whose content differs from the last one seen.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config) error) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.Named("config"),
		onChange: onChange,
	}
}

// Start begins watching the configuration file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	// Get initial hash
	hash, err := w.fileHash()
	if err != nil {
		return fmt.Errorf("failed to get initial file hash: %w", err)
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := notify.Add(filepath.Dir(w.path)); err != nil {
		notify.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.lastHash = hash
	w.notify = notify
	w.stopChan = make(chan struct{})
	w.running = true

	w.wg.Add(1)
	go w.watchLoop(notify, w.stopChan)
	return nil
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	notify := w.notify
	w.mu.Unlock()

	w.wg.Wait()
	notify.Close()
}

func (w *Watcher) watchLoop(notify *fsnotify.Watcher, stop <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-notify.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.checkForChanges()
			}
		case err, ok := <-notify.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) checkForChanges() {
	hash, err := w.fileHash()
	if err != nil {
		// File might be temporarily unavailable during write
		w.logger.Debug("config file unavailable", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	// File changed, reload configuration
	if err := w.reload(); err != nil {
		w.logger.Warn("failed to reload config", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("configuration reloaded", zap.String("path", w.path))
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Apply new configuration
	if w.onChange != nil {
		return w.onChange(cfg)
	}
	return nil
}

func (w *Watcher) fileHash() ([16]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return [16]byte{}, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return [16]byte{}, err
	}

	var hash [16]byte
	copy(hash[:], h.Sum(nil))
	return hash, nil
}

// ErrNoChangeHandler is returned by ForceReload when the watcher has no
// change handler.
var ErrNoChangeHandler = errors.New("no change handler")

// ForceReload triggers an immediate reload of the configuration.
func (w *Watcher) ForceReload() error {
	if w.onChange == nil {
		return ErrNoChangeHandler
	}

	if hash, err := w.fileHash(); err == nil {
		w.mu.Lock()
		w.lastHash = hash
		w.mu.Unlock()
	}

	if err := w.reload(); err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	return nil
}

package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/fsnotify/fsnotify"
)

// SystemWatcher follows a file holding the system colour scheme ("dark" or
// "light") and pushes changes into a ThemeStore.
type SystemWatcher struct {
	path   string
	store  *ThemeStore
	logger *slog.Logger
}

// NewSystemWatcher creates a watcher for path.
func NewSystemWatcher(path string, store *ThemeStore, logger *slog.Logger) *SystemWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemWatcher{path: path, store: store, logger: logger}
}

// ReadSystemTheme parses the theme stored in path.
func ReadSystemTheme(path string) (domain.Theme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system theme: %w", err)
	}
	theme, err := domain.ParseTheme(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("parse system theme %s: %w", path, err)
	}
	return theme, nil
}

// Run applies the current file contents and then watches for changes until
// ctx is done. The parent directory is watched so editors that replace the
// file atomically are followed.
func (w *SystemWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Warn("Failed to close theme watcher", "error", err)
		}
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("Watching system theme file", "path", w.path)
	w.reload()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("System theme watcher stopped", "reason", ctx.Err())
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("System theme watcher error", "error", err)
		}
	}
}

func (w *SystemWatcher) reload() {
	theme, err := ReadSystemTheme(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		w.logger.Warn("Ignoring system theme file", "path", w.path, "error", err)
		return
	}
	w.store.SetSystemDefault(theme)
}

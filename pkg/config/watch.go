package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands every new, valid Config to
// onChange. It runs until ctx is cancelled.
//
// The parent directory is watched rather than the file, so saves that replace
// the file (editor renames, Kubernetes ConfigMap symlink swaps) keep being
// seen. A reload that fails validation is logged and the running config is
// kept. A reload that yields the same Config as the last one is dropped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	current, err := Load(path)
	if err != nil {
		slog.Warn("config: current file does not load, waiting for a valid save", "path", path, "err", err)
		current = nil
	}
	slog.Info("config: watching for changes", "path", path)

	pending := time.NewTimer(reloadDelay)
	if !pending.Stop() {
		<-pending.C
	}
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !affects(event, path) {
				continue
			}
			pending.Reset(reloadDelay)

		case <-pending.C:
			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			if current != nil && reflect.DeepEqual(current, next) {
				slog.Debug("config: file touched, nothing changed", "path", path)
				continue
			}
			current = next
			slog.Info("config: reloaded", "path", path)
			onChange(next)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// affects reports whether a directory event may have changed the content
// behind path. ConfigMap volumes publish through a "..data" symlink swap.
func affects(event fsnotify.Event, path string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == path || filepath.Base(name) == "..data"
}

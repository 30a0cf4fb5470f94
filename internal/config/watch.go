package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// Watch reloads path into h whenever the file is written or replaced, until
// ctx is cancelled. A reload that fails to load or validate is logged and
// the previous configuration is kept. onReload, if set, runs after each
// successful reload.
func Watch(ctx context.Context, path string, h *Holder, onReload func(*StationConfig)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory: editors and config management replace the file
	// with a rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Base(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				monitoring.Warnf("config: reload of %s failed, keeping previous configuration: %v", path, err)
				continue
			}
			h.Store(cfg)
			monitoring.Infof("config: reloaded %s", path)
			if onReload != nil {
				onReload(cfg)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			monitoring.Warnf("config: watcher error: %v", err)
		}
	}
}

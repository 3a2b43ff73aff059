// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it changes on disk.
//
// Only settings that are safe to change mid-run should be read from the
// reloaded Config; the sampler itself never sees it.
//
// Thread Safety: Run must be called once, from one goroutine.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory holding path, so that editors which
// replace the file by rename are still seen.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:    abs,
		logger:  logger.With(slog.String("component", "config_watcher"), slog.String("path", abs)),
		watcher: fw,
	}, nil
}

// Run calls onChange with every valid reload until ctx is cancelled. A
// reload that fails to parse or validate is logged and skipped.
//
// Example:
//
//	w, _ := config.NewWatcher(path, logger)
//	go w.Run(ctx, func(c config.Config) { applyLevel(c.Logging.Level) })
func (w *Watcher) Run(ctx context.Context, onChange func(Config)) {
	defer w.watcher.Close()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("ignoring config change", slog.String("error", err.Error()))
				continue
			}
			w.logger.Debug("config reloaded")
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-ctx.Done():
			return
		}
	}
}

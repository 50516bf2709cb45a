// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/thomasng/taims/internal/logging"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// Watcher reloads the runtime-tunable parts of the configuration (export
// prefix table, log level) when the config file changes on disk. Fatal
// settings such as API keys and ports are only read at startup.
type Watcher struct {
	path     string
	log      zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.RWMutex
	current *Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, initial *Config, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		log:      log,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		current:  initial,
		ctx:      ctx,
		cancel:   cancel,
	}
	return w, nil
}

// Watch starts watching the config file for changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}
	go w.processEvents()
	return nil
}

// EventPrefixes returns the current calendar title string table.
func (w *Watcher) EventPrefixes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.current.Export.EventPrefixes...)
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing. Editors often
// emit several writes per save.
func (w *Watcher) processEvents() {
	var timer *time.Timer
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watch error")
		}
	}
}

// reload re-reads the file and swaps in the tunable settings. A file that
// fails to load keeps the previous configuration.
func (w *Watcher) reload() {
	cfg := Default()
	if err := LoadTOML(cfg, w.path); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous settings")
		return
	}
	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()

	w.mu.Lock()
	w.current.Export.EventPrefixes = cfg.Export.EventPrefixes
	w.current.Logging.Level = cfg.Logging.Level
	w.mu.Unlock()

	zerolog.SetGlobalLevel(logging.ParseLevel(cfg.Logging.Level))

	w.log.Info().
		Int("event_prefixes", len(cfg.Export.EventPrefixes)).
		Str("log_level", cfg.Logging.Level).
		Msg("config reloaded")
}

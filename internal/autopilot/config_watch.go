// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/rover-autopilot/internal/config"
)

// ConfigWatcher watches the autopilot's on-disk config file and reloads
// it on change, the same debounced fsnotify shape internal/mcp.Watcher
// uses for hot-restarting MCP servers. Reloading only produces a fresh
// *config.Config; applying it is the caller's job. Fields that are safe
// to change without rebuilding anything (log verbosity, via a
// log.Config.LevelVar) can be swapped in place from onReload. Everything
// that a running *runtime.Autopilot captured at construction time — stage
// intervals, adapter wiring — is not live-reloadable; onReload should log
// that a restart is needed when those differ.
type ConfigWatcher struct {
	path          string
	fsWatcher     *fsnotify.Watcher
	logger        *slog.Logger
	debounceDelay time.Duration
	onReload      func(*config.Config)

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

// WatchConfig constructs a ConfigWatcher over path and starts watching
// its containing directory (so the watch survives editors that replace
// the file instead of writing in place). onReload is invoked with the
// freshly loaded config after every settled change; it must not block.
func WatchConfig(path string, logger *slog.Logger, onReload func(*config.Config)) (*ConfigWatcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("autopilot: onReload callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("autopilot: creating config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("autopilot: watching config directory %s: %w", dir, err)
	}

	w := &ConfigWatcher{
		path:          path,
		fsWatcher:     fsWatcher,
		logger:        logger.With("component", "config_watch"),
		debounceDelay: 300 * time.Millisecond,
		onReload:      onReload,
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)

	return w, nil
}

func (w *ConfigWatcher) run(ctx context.Context) {
	defer close(w.done)
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.scheduleReload()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of writes (editors commonly emit
// several events for one save) into a single reload.
func (w *ConfigWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *ConfigWatcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration", "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("reloaded config failed validation, keeping previous configuration", "error", err)
		return
	}

	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	<-w.done
	return w.fsWatcher.Close()
}

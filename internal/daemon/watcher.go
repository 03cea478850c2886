// Copyright 2025 Market Spine Authors
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

package daemon

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marketspine/spine/internal/log"
)

// reloadDebounce coalesces the event bursts editors and sync tools
// emit into a single reload.
const reloadDebounce = 200 * time.Millisecond

// watchDefinitions reloads the library when files under the
// definitions directory change. fsnotify does not recurse, so every
// subdirectory is registered, including ones created while watching.
func (d *Daemon) watchDefinitions(ctx context.Context) {
	dir := d.cfg.Definitions.Dir
	if dir == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("definitions watcher unavailable", log.Error(err))
		return
	}
	defer watcher.Close()

	if err := addRecursive(watcher, dir); err != nil {
		d.logger.Warn("definitions watcher unavailable",
			slog.String("dir", dir), log.Error(err))
		return
	}

	var timer *time.Timer
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			reload = timer.C
		case <-reload:
			timer = nil
			reload = nil
			if err := d.library.Reload(); err != nil {
				d.logger.Error("definitions reload failed", log.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("definitions watcher error", log.Error(err))
		}
	}
}

// addRecursive watches dir and every directory below it.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	if err := watcher.Add(dir); err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.IsDir() || path == dir {
			return nil
		}
		// Losing one subdirectory is not worth stopping the watcher.
		_ = watcher.Add(path)
		return nil
	})
}

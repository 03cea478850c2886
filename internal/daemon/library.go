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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/pkg/group"
	"github.com/marketspine/spine/pkg/workflow"
)

// Library is the daemon's snapshot of the definitions directory. The
// watcher reloads it when files change, so an operator can tell from
// /healthz whether the definitions on disk still parse.
type Library struct {
	settings config.DefinitionsSettings
	logger   *slog.Logger

	mu        sync.RWMutex
	groups    map[string]*group.Group
	workflows map[string]*workflow.Workflow
	invalid   map[string]string
	loadedAt  time.Time
}

// LibrarySnapshot is the health view of a loaded library.
type LibrarySnapshot struct {
	Groups    int       `json:"groups"`
	Workflows int       `json:"workflows"`
	Invalid   []string  `json:"invalid,omitempty"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// NewLibrary builds an empty library over the configured directory.
func NewLibrary(settings config.DefinitionsSettings, logger *slog.Logger) *Library {
	if len(settings.Patterns) == 0 {
		settings.Patterns = []string{"**/*.yaml", "**/*.yml"}
	}
	return &Library{
		settings:  settings,
		logger:    log.WithComponent(logger, "definitions"),
		groups:    map[string]*group.Group{},
		workflows: map[string]*workflow.Workflow{},
		invalid:   map[string]string{},
	}
}

// definitionDoc is the minimal shape needed to classify a document:
// workflow steps carry a kind, group steps do not.
type definitionDoc struct {
	Steps []struct {
		Kind string `yaml:"kind"`
	} `yaml:"steps"`
}

func (doc definitionDoc) workflow() bool {
	for _, s := range doc.Steps {
		if s.Kind != "" {
			return true
		}
	}
	return false
}

// Reload rescans the definitions directory and swaps the snapshot. A
// missing directory yields an empty library, not an error: a
// queue-only deployment has no definitions to watch. Files that fail
// to parse are recorded, never fatal.
func (l *Library) Reload() error {
	groups := map[string]*group.Group{}
	workflows := map[string]*workflow.Workflow{}
	invalid := map[string]string{}

	paths, err := l.discover()
	if err != nil {
		return err
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			invalid[path] = err.Error()
			continue
		}

		var doc definitionDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			invalid[path] = err.Error()
			continue
		}

		if doc.workflow() {
			wf, err := workflow.Parse(data)
			if err != nil {
				invalid[path] = err.Error()
				continue
			}
			workflows[wf.Name] = wf
		} else {
			g, err := group.Parse(data)
			if err != nil {
				invalid[path] = err.Error()
				continue
			}
			groups[g.Name] = g
		}
	}

	l.mu.Lock()
	l.groups = groups
	l.workflows = workflows
	l.invalid = invalid
	l.loadedAt = time.Now().UTC()
	l.mu.Unlock()

	l.logger.Info("definitions loaded",
		slog.String("dir", l.settings.Dir),
		slog.Int("groups", len(groups)),
		slog.Int("workflows", len(workflows)),
		slog.Int("invalid", len(invalid)),
	)
	for path, msg := range invalid {
		l.logger.Warn("definition not loadable",
			slog.String("path", path),
			slog.String("error", msg),
		)
	}
	return nil
}

// discover returns the sorted, deduplicated file paths matching the
// configured patterns.
func (l *Library) discover() ([]string, error) {
	if l.settings.Dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(l.settings.Dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	fsys := os.DirFS(l.settings.Dir)
	seen := map[string]bool{}
	var paths []string
	for _, pattern := range l.settings.Patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("definitions pattern %q: %w", pattern, err)
		}
		for _, rel := range matches {
			path := filepath.Join(l.settings.Dir, rel)
			if seen[path] {
				continue
			}
			seen[path] = true
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Snapshot returns the current library state for health reporting.
func (l *Library) Snapshot() LibrarySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := LibrarySnapshot{
		Groups:    len(l.groups),
		Workflows: len(l.workflows),
		LoadedAt:  l.loadedAt,
	}
	for path := range l.invalid {
		snap.Invalid = append(snap.Invalid, path)
	}
	sort.Strings(snap.Invalid)
	return snap
}

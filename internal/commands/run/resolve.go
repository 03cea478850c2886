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

package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/internal/config"
	pkgerrors "github.com/marketspine/spine/pkg/errors"
)

// Definition document kinds.
const (
	docGroup    = "group"
	docWorkflow = "workflow"
)

// probe is the minimal shape read while scanning definition files.
type probe struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Kind string `yaml:"kind"`
	} `yaml:"steps"`
}

// kind reports which document type the probe looks like. Workflow
// steps carry a kind field; group steps never do.
func (p probe) kind() string {
	for _, s := range p.Steps {
		if s.Kind != "" {
			return docWorkflow
		}
	}
	return docGroup
}

// definitionFile is one scanned definition document.
type definitionFile struct {
	path string
	name string
	kind string
}

// resolveDefinition turns a NAME|FILE argument into a file path.
// Arguments that name an existing file or look like a path are used
// as is; anything else is matched against the name field of the
// definitions under settings.Dir.
func resolveDefinition(settings config.DefinitionsSettings, arg, kind string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}
	if looksLikePath(arg) {
		return "", &pkgerrors.NotFoundError{Resource: kind, ID: arg}
	}

	defs, err := scanDefinitions(settings)
	if err != nil {
		return "", err
	}
	for _, def := range defs {
		if def.name == arg && def.kind == kind {
			return def.path, nil
		}
	}
	return "", &pkgerrors.NotFoundError{Resource: kind, ID: arg}
}

// looksLikePath reports whether arg is meant as a file path rather
// than a definition name.
func looksLikePath(arg string) bool {
	if strings.Contains(arg, "/") || strings.ContainsRune(arg, os.PathSeparator) {
		return true
	}
	ext := strings.ToLower(filepath.Ext(arg))
	return ext == ".yaml" || ext == ".yml"
}

// scanDefinitions probes every pattern match under the definitions
// directory for a name and document kind. Files that fail to parse
// are skipped here; validate reports on those.
func scanDefinitions(settings config.DefinitionsSettings) ([]definitionFile, error) {
	root := os.DirFS(settings.Dir)
	seen := map[string]bool{}
	var defs []definitionFile

	for _, pattern := range settings.Patterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return nil, &pkgerrors.ValidationError{
				Field:   "definitions.patterns",
				Message: fmt.Sprintf("bad pattern %q: %s", pattern, err),
			}
		}
		sort.Strings(matches)
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true

			full := filepath.Join(settings.Dir, rel)
			data, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			var p probe
			if yaml.Unmarshal(data, &p) != nil || p.Name == "" {
				continue
			}
			defs = append(defs, definitionFile{path: full, name: p.Name, kind: p.kind()})
		}
	}
	return defs, nil
}

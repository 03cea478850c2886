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

package completion

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/config"
)

// SafeCompletionWrapper runs a completion function with panic
// recovery. A blown completion must never break the user's shell, so
// any panic degrades to no suggestions.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		results = []string{}
	}
	return results, directive
}

// Groups completes group names from the definitions directory.
func Groups(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return definitionNames(false, toComplete), cobra.ShellCompDirectiveDefault
	})
}

// Workflows completes workflow names from the definitions directory.
func Workflows(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return definitionNames(true, toComplete), cobra.ShellCompDirectiveDefault
	})
}

// Lanes completes --lane flag values.
func Lanes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		lanes := []string{
			"normal\tDefault lane",
			"backfill\tBulk historical reprocessing",
			"slow\tLong-running or rate-limited work",
		}
		return lanes, cobra.ShellCompDirectiveNoFileComp
	})
}

// definitionProbe is the minimal document shape needed to pick out a
// name and tell groups from workflows.
type definitionProbe struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Kind string `yaml:"kind"`
	} `yaml:"steps"`
}

func (p definitionProbe) workflow() bool {
	for _, s := range p.Steps {
		if s.Kind != "" {
			return true
		}
	}
	return false
}

// definitionNames scans the configured definitions directory for
// documents of the requested kind. Errors yield no suggestions;
// completion never reports them.
func definitionNames(wantWorkflow bool, toComplete string) []string {
	settings, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil
	}
	dir := settings.Definitions.Dir
	if dir == "" {
		return nil
	}

	fsys := os.DirFS(dir)
	seen := map[string]bool{}
	var names []string
	for _, pattern := range settings.Definitions.Patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, rel := range matches {
			data, err := os.ReadFile(filepath.Join(dir, rel))
			if err != nil {
				continue
			}
			var probe definitionProbe
			if err := yaml.Unmarshal(data, &probe); err != nil || probe.Name == "" {
				continue
			}
			if probe.workflow() != wantWorkflow || seen[probe.Name] {
				continue
			}
			if !strings.HasPrefix(probe.Name, toComplete) {
				continue
			}
			seen[probe.Name] = true
			names = append(names, probe.Name)
		}
	}
	sort.Strings(names)
	return names
}

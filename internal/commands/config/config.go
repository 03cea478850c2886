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

// Package config implements the config command group: printing the
// resolved settings, locating the settings file, and validating it.
package config

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/config"
)

// NewCommand creates the config command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate settings",
		Long: `Inspect and validate the spine settings.

Settings resolve from built-in defaults, then the settings file, then
SPINE_* environment variables. Every subcommand operates on that
resolved view, so what config show prints is exactly what the other
commands run with.`,
	}

	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newPathCommand())
	cmd.AddCommand(newValidateCommand())

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved settings",
		Long: `Print the settings every command runs with: defaults, then the
settings file, then SPINE_* environment overrides.

Output is YAML unless --json is set. Durations print in Go duration
syntax, so the output pastes back into a settings file.`,
		Example: `  spine config show
  spine config show --json
  spine --config ./settings.yaml config show`,
		Args: cobra.NoArgs,
		RunE: runShow,
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	path, err := resolvePath()
	if err != nil {
		return shared.NewConfigurationError("failed to locate settings", err)
	}

	settings, err := config.Load(shared.GetConfigPath())
	if err != nil {
		if shared.GetJSON() {
			shared.EmitJSONError("config show", []shared.JSONError{{
				Code:    shared.CodeForError(err),
				File:    path,
				Message: err.Error(),
			}})
			return shared.NewSilentExit(shared.ExitConfigFailure)
		}
		return shared.NewConfigurationError("failed to load settings", err)
	}

	view := newSettingsView(settings)

	if shared.GetJSON() {
		resp := struct {
			shared.JSONResponse
			Path     string       `json:"path"`
			Settings settingsView `json:"settings"`
		}{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "config show",
				Success: true,
			},
			Path:     path,
			Settings: view,
		}
		if err := shared.EmitJSON(resp); err != nil {
			return shared.NewExecutionError("emit json", err)
		}
		return nil
	}

	out, err := yaml.Marshal(view)
	if err != nil {
		return shared.NewExecutionError("failed to render settings", err)
	}
	// The path line is a YAML comment so the output stays parseable.
	cmd.Println(shared.Muted.Render("# " + path))
	cmd.Print(string(out))
	return nil
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Long: `Print the path of the settings file in effect: the --config flag
when set, otherwise the default location under the user config
directory. The file does not have to exist; a missing file means
defaults plus environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath()
			if err != nil {
				return shared.NewConfigurationError("failed to locate settings", err)
			}

			if shared.GetJSON() {
				resp := struct {
					shared.JSONResponse
					Path   string `json:"path"`
					Exists bool   `json:"exists"`
				}{
					JSONResponse: shared.JSONResponse{
						Version: "1.0",
						Command: "config path",
						Success: true,
					},
					Path:   path,
					Exists: fileExists(path),
				}
				if err := shared.EmitJSON(resp); err != nil {
					return shared.NewExecutionError("emit json", err)
				}
				return nil
			}

			cmd.Println(path)
			return nil
		},
	}
}

// resolvePath returns the settings file in effect without reading it.
func resolvePath() (string, error) {
	if path := shared.GetConfigPath(); path != "" {
		return path, nil
	}
	return config.SettingsPath()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

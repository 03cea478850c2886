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

package config

import (
	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the settings file",
		Long: `Load the settings file and check every value.

Validation runs on the resolved settings, with SPINE_* environment
overrides applied, because that is what the other commands will run
with. A missing settings file passes: defaults are always valid.`,
		Example: `  spine config validate
  spine --config ./settings.yaml config validate`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := resolvePath()
	if err != nil {
		return shared.NewConfigurationError("failed to locate settings", err)
	}

	_, loadErr := config.Load(shared.GetConfigPath())

	if shared.GetJSON() {
		if loadErr != nil {
			shared.EmitJSONError("config validate", []shared.JSONError{{
				Code:    shared.CodeForError(loadErr),
				File:    path,
				Message: loadErr.Error(),
			}})
			return shared.NewSilentExit(shared.ExitConfigFailure)
		}
		resp := struct {
			shared.JSONResponse
			Path   string `json:"path"`
			Exists bool   `json:"exists"`
		}{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "config validate",
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

	if loadErr != nil {
		return shared.NewConfigurationError("settings are not valid", loadErr)
	}

	if fileExists(path) {
		cmd.Println(shared.RenderOK("settings valid"))
	} else {
		cmd.Println(shared.RenderOK("settings valid " + shared.Muted.Render("(no file, defaults in effect)")))
	}
	cmd.Println(shared.RenderLabel("path:") + " " + path)
	return nil
}

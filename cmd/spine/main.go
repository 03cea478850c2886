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

package main

import (
	"github.com/marketspine/spine/internal/cli"
	"github.com/marketspine/spine/internal/commands/completion"
	configcmd "github.com/marketspine/spine/internal/commands/config"
	"github.com/marketspine/spine/internal/commands/diagnostics"
	"github.com/marketspine/spine/internal/commands/queue"
	registrycmd "github.com/marketspine/spine/internal/commands/registry"
	"github.com/marketspine/spine/internal/commands/run"
	"github.com/marketspine/spine/internal/commands/schedule"
	"github.com/marketspine/spine/internal/commands/secrets"
	"github.com/marketspine/spine/internal/commands/validate"
	versioncmd "github.com/marketspine/spine/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	// Execution commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(run.NewResumeCommand())
	rootCmd.AddCommand(schedule.NewCommand())
	rootCmd.AddCommand(queue.NewCommand())

	// Inspection commands
	rootCmd.AddCommand(registrycmd.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(diagnostics.NewDoctorCommand())

	// Configuration and security
	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(secrets.NewCommand())

	// Shell and version
	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

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

// Package daemon builds the spined root command: the worker daemon
// over the shared runtime, with flags that override the daemon
// settings for one invocation.
package daemon

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/config"
	spinedaemon "github.com/marketspine/spine/internal/daemon"
)

var (
	daemonWorkers     int
	daemonLanes       []string
	daemonDefinitions string
	daemonListen      string
)

// NewRootCommand creates the spined root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spined",
		Short: "Market Spine worker daemon",
		Long: `Spined claims items from the durable work queue and runs their
pipelines. It also reaps expired claim locks, sweeps expired workflow
checkpoints, watches the definitions directory, and serves /healthz
and /metrics.

Work arrives through the queue only; spined takes no commands over
HTTP. Enqueue with 'spine queue enqueue' or the scheduler.`,
		Example: `  # Four workers on every lane
  spined

  # Dedicated backfill drainer
  spined --workers 2 --lanes backfill

  # Serve health and metrics on all interfaces
  spined --listen 0.0.0.0:9877`,
		Args:          cobra.NoArgs,
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, _, configPath, db := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().StringVar(configPath, "config", "", "Path to settings file (default: ~/.config/spine/settings.yaml)")
	cmd.PersistentFlags().StringVar(db, "db", "", "Path to the database (overrides settings)")

	cmd.Flags().IntVar(&daemonWorkers, "workers", 0, "Claim loop count (default from settings)")
	cmd.Flags().StringSliceVar(&daemonLanes, "lanes", nil, "Lanes to claim from (default: all)")
	cmd.Flags().StringVar(&daemonDefinitions, "definitions", "", "Definitions directory to watch")
	cmd.Flags().StringVar(&daemonListen, "listen", "", "Health and metrics address (default from settings)")

	return cmd
}

// applyFlagOverrides folds the spined flags into loaded settings.
// Only flags the user actually set win over the file.
func applyFlagOverrides(cmd *cobra.Command, settings *config.Settings) {
	if cmd.Flags().Changed("workers") {
		settings.Daemon.Workers = daemonWorkers
	}
	if cmd.Flags().Changed("lanes") {
		settings.Daemon.Lanes = daemonLanes
	}
	if cmd.Flags().Changed("definitions") {
		settings.Definitions.Dir = daemonDefinitions
	}
	if cmd.Flags().Changed("listen") {
		settings.Daemon.ListenAddr = daemonListen
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return shared.NewConfigurationError("startup failed", err)
	}
	defer rt.Close()

	applyFlagOverrides(cmd, rt.Settings)

	version, _, _ := shared.GetVersion()
	d, err := spinedaemon.New(spinedaemon.Config{
		Settings:    rt.Settings.Daemon,
		Definitions: rt.Settings.Definitions,
		Queue:       rt.Queue,
		Dispatcher:  rt.Dispatcher,
		Checkpoints: rt.Checkpoints,
		Logger:      rt.Logger,
		Version:     version,
	})
	if err != nil {
		return shared.NewConfigurationError("startup failed", err)
	}

	if err := d.Run(ctx); err != nil {
		return shared.NewExecutionError("daemon failed", err)
	}
	return nil
}

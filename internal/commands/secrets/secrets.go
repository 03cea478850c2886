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

// Package secrets implements the spine secrets commands: store, show,
// and remove the API keys source fetchers resolve at run time.
package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marketspine/spine/internal/commands/shared"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/secrets"
	pkgerrors "github.com/marketspine/spine/pkg/errors"
)

// NewCommand creates the secrets command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage stored API keys",
		Long: `Secrets manages the API keys source fetchers use.

Keys are flat snake_case names following the <domain>_api_key
convention. Resolution checks the environment first, then the system
keychain, so an exported SPINE_PRICES_API_KEY always wins over a
stored prices_api_key. set and delete touch only the keychain; the
environment is read-only.`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY",
		Short: "Store a secret in the system keychain",
		Long: `Store a secret in the system keychain.

The value is read from stdin when piped, otherwise prompted for with
hidden input.`,
		Example: `  spine secrets set prices_api_key
  echo "$API_KEY" | spine secrets set prices_api_key`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := validateKey(key); err != nil {
				return shared.NewInvalidInputError("invalid key", err)
			}

			value, err := readValue()
			if err != nil {
				return shared.NewInvalidInputError("read value", err)
			}
			if value == "" {
				return shared.NewInvalidInputError("invalid value", &pkgerrors.ValidationError{
					Field:   "value",
					Message: "secret value must not be empty",
				})
			}

			resolver := secrets.NewDefaultResolver()
			if err := resolver.Set(cmd.Context(), key, value); err != nil {
				return shared.NewExecutionError("store secret", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Key string `json:"key"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "secrets set", Success: true},
					Key:          key,
				})
			}
			cmd.Println(shared.RenderOK("stored " + key + " in the system keychain"))
			if os.Getenv(secrets.EnvVar(key)) != "" {
				cmd.Println(shared.RenderWarn(secrets.EnvVar(key) + " is set and overrides the stored value"))
			}
			return nil
		},
	}

	return cmd
}

func newGetCommand() *cobra.Command {
	var unmask bool

	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Retrieve a secret value",
		Long: `Retrieve a secret from the first backend that has it.

The value is masked by default. --unmask prints the raw value alone
so scripts can capture it.`,
		Example: `  spine secrets get prices_api_key
  spine secrets get prices_api_key --unmask`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			resolver := secrets.NewDefaultResolver()
			value, err := resolver.Get(cmd.Context(), key)
			if err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return shared.NewInvalidInputError("secret not found", &pkgerrors.ValidationError{
						Field:      "key",
						Message:    key + " is not set in any backend",
						Suggestion: "Store it with 'spine secrets set " + key + "' or export " + secrets.EnvVar(key),
					})
				}
				return shared.NewExecutionError("get secret", err)
			}

			shown := log.SanitizeAPIKey(value)
			if unmask {
				shown = value
			}

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Key   string `json:"key"`
					Value string `json:"value"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "secrets get", Success: true},
					Key:          key,
					Value:        shown,
				})
			}
			if unmask {
				cmd.Println(value)
				return nil
			}
			cmd.Println(shown + " " + shared.Muted.Render("(use --unmask for the raw value)"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&unmask, "unmask", false, "Print the raw value")

	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show where each domain key resolves from",
		Long: `List resolution for every registered domain's API key.

Backends cannot enumerate their entries, so list probes the
conventional <domain>_api_key name for each domain in the registry and
reports the backend that would serve it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := shared.OpenRuntime(ctx)
			if err != nil {
				return shared.NewInvalidInputError("startup failed", err)
			}
			defer rt.Close()

			entries := probeKeys(cmd, rt.Secrets, registeredDomains(rt.Registry.List()))

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Keys []keyEntry `json:"keys"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "secrets list", Success: true},
					Keys:         entries,
				})
			}

			for _, entry := range entries {
				backend := entry.Backend
				if backend == "" {
					backend = shared.Muted.Render("(not set)")
				}
				cmd.Printf("%-12s %-28s %s\n", entry.Domain, entry.Key, backend)
			}
			return nil
		},
	}

	return cmd
}

func newDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a secret from the system keychain",
		Example: `  spine secrets delete prices_api_key
  spine secrets delete prices_api_key --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			if !force {
				cmd.Printf("Delete %s from the keychain? [y/N]: ", key)
				var response string
				fmt.Scanln(&response)
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					cmd.Println("deletion cancelled")
					return nil
				}
			}

			resolver := secrets.NewDefaultResolver()
			if err := resolver.Delete(cmd.Context(), key); err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return shared.NewInvalidInputError("secret not found", &pkgerrors.ValidationError{
						Field:   "key",
						Message: key + " is not stored in any writable backend",
					})
				}
				return shared.NewExecutionError("delete secret", err)
			}

			if shared.GetJSON() {
				return shared.EmitJSON(struct {
					shared.JSONResponse
					Key string `json:"key"`
				}{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "secrets delete", Success: true},
					Key:          key,
				})
			}
			cmd.Println(shared.RenderOK("deleted " + key))
			if os.Getenv(secrets.EnvVar(key)) != "" {
				cmd.Println(shared.RenderWarn(secrets.EnvVar(key) + " is still set in the environment"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")

	return cmd
}

// keyEntry is one row of secrets list.
type keyEntry struct {
	Domain  string `json:"domain"`
	Key     string `json:"key"`
	Backend string `json:"backend,omitempty"`
}

// probeKeys checks each domain's conventional key against the
// backends in resolution order.
func probeKeys(cmd *cobra.Command, resolver *secrets.Resolver, domains []string) []keyEntry {
	entries := make([]keyEntry, 0, len(domains))
	for _, domain := range domains {
		key := domain + "_api_key"
		entry := keyEntry{Domain: domain, Key: key}
		for _, backend := range resolver.Backends() {
			if _, err := backend.Get(cmd.Context(), key); err == nil {
				entry.Backend = backend.Name()
				break
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// registeredDomains extracts the unique leading segments from dotted
// pipeline names.
func registeredDomains(names []string) []string {
	seen := make(map[string]bool)
	var domains []string
	for _, name := range names {
		domain := name
		if i := strings.Index(name, "."); i > 0 {
			domain = name[:i]
		}
		if !seen[domain] {
			seen[domain] = true
			domains = append(domains, domain)
		}
	}
	sort.Strings(domains)
	return domains
}

// validateKey enforces flat snake_case names so keys map cleanly onto
// SPINE_* environment variables.
func validateKey(key string) error {
	if key == "" {
		return &pkgerrors.ValidationError{
			Field:   "key",
			Message: "key must not be empty",
		}
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return &pkgerrors.ValidationError{
				Field:      "key",
				Message:    fmt.Sprintf("key contains %q", r),
				Suggestion: "Use flat snake_case names like prices_api_key",
			}
		}
	}
	return nil
}

// readValue takes the secret from a pipe when stdin is one, otherwise
// prompts with echo disabled.
func readValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Fprint(os.Stderr, "Enter secret value (hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

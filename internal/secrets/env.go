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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvBackendPriority is the priority for the environment variable
// backend, the highest so the environment always overrides stored
// credentials.
const EnvBackendPriority = 100

// envPrefix maps secret keys onto SPINE_* environment variables.
const envPrefix = "SPINE_"

// EnvBackend provides read-only access to secrets via environment
// variables. The key "prices_api_key" resolves from
// SPINE_PRICES_API_KEY.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from the corresponding SPINE_* variable.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(EnvVar(key)); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s not set", ErrNotFound, EnvVar(key))
}

// Set returns ErrReadOnly; the environment cannot be written.
func (e *EnvBackend) Set(ctx context.Context, key, value string) error {
	return ErrReadOnly
}

// Delete returns ErrReadOnly; the environment cannot be written.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnly
}

// Available returns true; the environment is always readable.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority (highest).
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// EnvVar converts a secret key to its environment variable name.
// Example: "prices_api_key" -> "SPINE_PRICES_API_KEY".
func EnvVar(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

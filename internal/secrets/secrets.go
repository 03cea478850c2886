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

// Package secrets resolves API keys for source fetchers. Environment
// variables win over the system keychain, so CI and one-off runs can
// inject credentials without touching the keyring.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a secret key does not exist in the backend.
	ErrNotFound = errors.New("secret not found")

	// ErrUnavailable is returned when a backend cannot be used in the current environment.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrReadOnly is returned when attempting to modify a read-only backend.
	ErrReadOnly = errors.New("backend is read-only")
)

// Backend provides storage for sensitive values. Backends are queried
// in priority order by the Resolver.
type Backend interface {
	// Name returns the backend identifier (e.g., "env", "keychain").
	Name() string

	// Get retrieves a secret by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a secret. Returns ErrReadOnly if not supported.
	Set(ctx context.Context, key, value string) error

	// Delete removes a secret. Returns ErrNotFound if not present and
	// ErrReadOnly if not supported.
	Delete(ctx context.Context, key string) error

	// Available reports whether this backend is usable in the current
	// environment. Keychain returns false when the keyring service
	// cannot be reached.
	Available() bool

	// Priority returns the resolution priority (higher = checked first).
	Priority() int
}

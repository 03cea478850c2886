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

package errors

import (
	"context"
	"errors"
	"net"
	"os"
)

// Category classifies a failure for retry decisions, anomaly records,
// and step results. Categories are stable strings and are stored in the
// database, so values must never be renamed.
type Category string

const (
	// CategoryTransient covers timeouts, upstream 5xx, connection resets.
	// Retryable.
	CategoryTransient Category = "TRANSIENT"

	// CategoryDataQuality covers schema drift and threshold breaches
	// (null-rate, record count out of range, missing required symbols).
	// Not auto-retryable; the partition is surfaced and failed.
	CategoryDataQuality Category = "DATA_QUALITY"

	// CategoryConfiguration covers missing credentials and malformed
	// parameters. Fatal at run scope.
	CategoryConfiguration Category = "CONFIGURATION"

	// CategoryDependency covers missing upstream partitions and failed
	// registry lookups. The scheduler may retry on the next wave.
	CategoryDependency Category = "DEPENDENCY"

	// CategoryTimeout covers step or workflow timeout expiry. Retryable
	// by policy.
	CategoryTimeout Category = "TIMEOUT"

	// CategoryInternal covers code bugs and violated invariants (cycle
	// detected, duplicate registration). Fatal; never auto-retried.
	CategoryInternal Category = "INTERNAL"
)

// Retryable reports whether failures in this category may be retried
// automatically.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryTimeout
}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransient, CategoryDataQuality, CategoryConfiguration,
		CategoryDependency, CategoryTimeout, CategoryInternal:
		return true
	}
	return false
}

// Categorizer is implemented by errors that know their own category.
type Categorizer interface {
	Category() Category
}

// CategorizedError attaches a category to an arbitrary error.
type CategorizedError struct {
	Cat   Category
	Cause error
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Category implements Categorizer.
func (e *CategorizedError) Category() Category {
	return e.Cat
}

// WithCategory wraps err with an explicit category. Returns nil if err
// is nil.
func WithCategory(err error, cat Category) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Cat: cat, Cause: err}
}

// CategoryOf walks the error chain and returns the most specific
// category it can infer. Unclassified errors are INTERNAL.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryInternal
	}

	var categorizer Categorizer
	if errors.As(err, &categorizer) {
		return categorizer.Category()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryTransient
	case errors.Is(err, os.ErrNotExist):
		return CategoryDependency
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTimeout
	}
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return CategoryConfiguration
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return CategoryConfiguration
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return CategoryDependency
	}
	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return CategoryDependency
	}
	var missingErr *DependencyMissingError
	if errors.As(err, &missingErr) {
		return CategoryDependency
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryTransient
	}

	return CategoryInternal
}

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
	"fmt"
	"strings"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid flags, malformed definitions, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Category implements Categorizer.
func (e *ValidationError) Category() Category {
	return CategoryConfiguration
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "pipeline", "group", "work item")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Category implements Categorizer.
func (e *NotFoundError) Category() Category {
	return CategoryDependency
}

// DuplicateRegistrationError is returned when a name is registered twice
// in the same registry.
type DuplicateRegistrationError struct {
	// Kind is the registry kind (e.g., "pipeline", "source", "period")
	Kind string

	// Name is the conflicting registration name
	Name string
}

// Error implements the error interface.
func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("duplicate %s registration: %s", e.Kind, e.Name)
}

// Category implements Categorizer.
func (e *DuplicateRegistrationError) Category() Category {
	return CategoryInternal
}

// ConfigError represents configuration problems.
// Use this for settings file errors, missing env vars, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "db", "prices.api_key")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Category implements Categorizer.
func (e *ConfigError) Category() Category {
	return CategoryConfiguration
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "pipeline run", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Category implements Categorizer.
func (e *TimeoutError) Category() Category {
	return CategoryTimeout
}

// CycleError is returned by plan resolution when the dependency graph
// contains a cycle. Path holds the step names along the cycle with the
// first node repeated at the end.
type CycleError struct {
	Group string
	Path  []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("cycle detected in group %s: %s", e.Group, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Category implements Categorizer.
func (e *CycleError) Category() Category {
	return CategoryInternal
}

// DependencyError is returned at plan resolution when a step declares a
// dependency on a step that does not exist in the same group.
type DependencyError struct {
	// Step is the step declaring the dependency
	Step string

	// Missing is the dependency name that did not resolve
	Missing string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s depends on unknown step %s", e.Step, e.Missing)
}

// Category implements Categorizer.
func (e *DependencyError) Category() Category {
	return CategoryDependency
}

// DependencyMissingError is raised when an upstream partition or stage
// that a pipeline needs has not been written yet. Hint carries the
// command that produces the missing data.
type DependencyMissingError struct {
	Domain    string
	Partition string
	Stage     string
	Hint      string
}

// Error implements the error interface.
func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("missing %s data for %s partition %s", e.Stage, e.Domain, e.Partition)
}

// Category implements Categorizer.
func (e *DependencyMissingError) Category() Category {
	return CategoryDependency
}

// IsUserVisible implements UserVisibleError.
func (e *DependencyMissingError) IsUserVisible() bool {
	return true
}

// UserMessage implements UserVisibleError.
func (e *DependencyMissingError) UserMessage() string {
	return e.Error()
}

// Suggestion implements UserVisibleError.
func (e *DependencyMissingError) Suggestion() string {
	if e.Hint == "" {
		return ""
	}
	return fmt.Sprintf("Run: %s", e.Hint)
}

// QueueConflictError is returned when enqueueing a work item whose
// (domain, pipeline, partition) is already queued.
type QueueConflictError struct {
	Domain    string
	Pipeline  string
	Partition string
}

// Error implements the error interface.
func (e *QueueConflictError) Error() string {
	return fmt.Sprintf("work item already queued for %s/%s partition %s", e.Domain, e.Pipeline, e.Partition)
}

// Category implements Categorizer.
func (e *QueueConflictError) Category() Category {
	return CategoryInternal
}

// SourceError represents an upstream data source failure. StatusCode is
// the HTTP status when the source is HTTP-backed, zero otherwise.
type SourceError struct {
	// Source names the fetcher (e.g., "finra.api", "prices.api")
	Source string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	msg := fmt.Sprintf("source %s error", e.Source)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SourceError) Unwrap() error {
	return e.Cause
}

// Category implements Categorizer. 5xx and transport failures are
// transient; 4xx means the request itself is wrong.
func (e *SourceError) Category() Category {
	switch {
	case e.StatusCode >= 500:
		return CategoryTransient
	case e.StatusCode == 429:
		return CategoryTransient
	case e.StatusCode >= 400:
		return CategoryConfiguration
	}
	return CategoryTransient
}

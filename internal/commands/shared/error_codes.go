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

package shared

import (
	"errors"

	pkgerrors "github.com/marketspine/spine/pkg/errors"
)

// Error codes for structured JSON output
const (
	// Validation errors (E001-E099)
	ErrorCodeMissingField     = "E001" // Missing required field
	ErrorCodeInvalidYAML      = "E002" // Invalid YAML syntax
	ErrorCodeSchemaViolation  = "E003" // Schema constraint violation
	ErrorCodeInvalidReference = "E004" // Invalid reference (unknown step or pipeline)

	// Execution errors (E100-E199)
	ErrorCodePipelineNotFound = "E101" // Pipeline not registered
	ErrorCodeRunFailed        = "E102" // Run execution failed
	ErrorCodePartitionFailed  = "E103" // Partition processing failed
	ErrorCodeRunTimeout       = "E104" // Run or step timeout

	// Configuration errors (E200-E299)
	ErrorCodeConfigNotFound = "E201" // Config file not found
	ErrorCodeInvalidConfig  = "E202" // Invalid configuration
	ErrorCodeMissingAPIKey  = "E203" // Missing API key

	// Input errors (E300-E399)
	ErrorCodeMissingInput = "E301" // Required input missing
	ErrorCodeInvalidInput = "E302" // Invalid input format
	ErrorCodeFileNotFound = "E303" // File not found

	// Resource errors (E400-E499)
	ErrorCodeNotFound = "E401" // Resource not found
	ErrorCodeInternal = "E402" // Internal error
)

// mapExitErrorToCode maps ExitError codes to JSON error codes
func mapExitErrorToCode(exitErr *ExitError) string {
	if exitErr == nil {
		return ""
	}

	switch exitErr.Code {
	case ExitTotalFailure:
		return ErrorCodeInvalidInput
	case ExitConfigFailure:
		return ErrorCodeInvalidConfig
	case ExitPartialFailure:
		return ErrorCodeRunFailed
	default:
		return ErrorCodeRunFailed
	}
}

// CodeForError classifies an error chain into a JSON error code. Typed
// errors win over category fallbacks.
func CodeForError(err error) string {
	if err == nil {
		return ""
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Cause == nil {
		return mapExitErrorToCode(exitErr)
	}

	var notFound *pkgerrors.NotFoundError
	if errors.As(err, &notFound) {
		if notFound.Resource == "pipeline" {
			return ErrorCodePipelineNotFound
		}
		return ErrorCodeNotFound
	}

	var valErr *pkgerrors.ValidationError
	if errors.As(err, &valErr) {
		return ErrorCodeInvalidInput
	}

	var cfgErr *pkgerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ErrorCodeInvalidConfig
	}

	var depErr *pkgerrors.DependencyMissingError
	if errors.As(err, &depErr) {
		return ErrorCodePartitionFailed
	}

	switch pkgerrors.CategoryOf(err) {
	case pkgerrors.CategoryConfiguration:
		return ErrorCodeInvalidConfig
	case pkgerrors.CategoryTimeout:
		return ErrorCodeRunTimeout
	case pkgerrors.CategoryDependency:
		return ErrorCodePartitionFailed
	case pkgerrors.CategoryInternal:
		return ErrorCodeInternal
	default:
		return ErrorCodeRunFailed
	}
}

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
	"fmt"
	"os"

	pkgerrors "github.com/marketspine/spine/pkg/errors"
)

// Exit codes shared by the spine commands. Scheduler batches use the
// partial/total split; 3 is reserved for configuration problems that
// no retry will fix (missing API key, unreadable config file).
const (
	ExitSuccess        = 0
	ExitPartialFailure = 1
	ExitTotalFailure   = 2
	ExitConfigFailure  = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for run or batch execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitPartialFailure,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidInputError creates an error for invalid definitions, names,
// or flag values
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitTotalFailure,
		Message: msg,
		Cause:   cause,
	}
}

// NewConfigurationError creates an error for configuration and
// credential failures
func NewConfigurationError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConfigFailure,
		Message: msg,
		Cause:   cause,
	}
}

// NewSilentExit creates an ExitError that sets the process exit code
// without printing anything. Used by commands that already rendered
// their own failure report.
func NewSilentExit(code int) *ExitError {
	return &ExitError{Code: code}
}

// HandleExitError checks if an error is an ExitError and exits with the appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		// A silent exit has no message; the command rendered its own report.
		msg := exitErr.Error()
		if len(msg) > 0 {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}

		printSuggestion(err)

		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	printSuggestion(err)

	os.Exit(ExitTotalFailure)
}

// printSuggestion walks the error chain for remediation hints and
// prints the first one found. UserVisibleError carries operator-facing
// suggestions; validation errors carry theirs as a plain field.
func printSuggestion(err error) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if userErr, ok := e.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}
	}

	var valErr *pkgerrors.ValidationError
	if errors.As(err, &valErr) && valErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", valErr.Suggestion)
	}
}

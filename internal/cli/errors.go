// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Unified error handling for rigrun-turns commands.
//
// Commands always return errors; Execute displays them once and maps them
// to an exit code.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigrun-turns/internal/config"
	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/turn"
)

// =============================================================================
// EXIT CODES - Specific codes for different error categories
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates authentication failure or missing credits
	ExitAuthError = 4
	// ExitNetworkError indicates a transport failure
	ExitNetworkError = 5
	// ExitBusyError indicates a turn was already running
	ExitBusyError = 6
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitQuotaError indicates the provider asked us to slow down
	ExitQuotaError = 8
)

// =============================================================================
// ERROR TYPES FOR STRUCTURED ERROR HANDLING
// =============================================================================

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // Command that failed (e.g., "ask", "rewind")
	Reason  string // Human-readable reason
	Err     error  // Underlying error (if any)
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Command, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string // Type of resource (e.g., "conversation", "message")
	ID       string // Identifier that was not found
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// =============================================================================
// ERROR DISPLAY
// =============================================================================

// DisplayError writes err in a consistent format.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		displayErrorJSON(w, err)
		return
	}
	fmt.Fprintf(w, "[ERROR] %s\n", err.Error())
}

func displayErrorJSON(w io.Writer, err error) {
	output := map[string]any{
		"error":   err.Error(),
		"success": false,
	}

	var surfaced *turn.SurfacedError
	var notFound *NotFoundError
	var cmdErr *CommandError
	switch {
	case errors.As(err, &surfaced):
		output["error_type"] = "turn_error"
		output["category"] = string(surfaced.Class.Category)
		output["chat_id"] = surfaced.ChatID
		if surfaced.Class.Cooldown > 0 {
			output["cooldown_secs"] = int(surfaced.Class.Cooldown.Seconds())
		}
	case errors.As(err, &notFound):
		output["error_type"] = "not_found_error"
		output["resource"] = notFound.Resource
		output["id"] = notFound.ID
	case errors.As(err, &cmdErr):
		output["error_type"] = "command_error"
		output["command"] = cmdErr.Command
		output["reason"] = cmdErr.Reason
	default:
		output["error_type"] = "generic_error"
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(output)
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode determines the exit code for an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var notFound *NotFoundError
	var verrs config.ValidateErrors
	var usage *usageError
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &notFound),
		errors.Is(err, turn.ErrConversationNotFound):
		return ExitNotFoundError
	case errors.As(err, &verrs):
		return ExitConfigError
	case errors.Is(err, turn.ErrTurnInProgress):
		return ExitBusyError
	}

	var surfaced *turn.SurfacedError
	if errors.As(err, &surfaced) {
		return exitCodeFor(surfaced.Class.Category)
	}
	return exitCodeFor(errclass.Classify(err).Category)
}

func exitCodeFor(cat errclass.Category) int {
	switch cat {
	case errclass.CategoryAuthExpired, errclass.CategoryInsufficientCredits:
		return ExitAuthError
	case errclass.CategoryTransport:
		return ExitNetworkError
	case errclass.CategoryQuotaExceeded:
		return ExitQuotaError
	}
	return ExitGeneralError
}

// usageError marks bad command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errclass

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrAuthExpired indicates the access credential was rejected.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrInsufficientCredits indicates the account cannot pay for the request.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrQuotaExceeded indicates a rate or quota limit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRecursionLimit indicates a turn recursed more often than allowed.
	ErrRecursionLimit = errors.New("recursion limit reached")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// QuotaError is a quota failure with an optional cooldown.
type QuotaError struct {
	Cooldown time.Duration
	Message  string
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "quota exceeded"
	}
	if e.Cooldown > 0 {
		return fmt.Sprintf("%s, retry after %v", msg, e.Cooldown)
	}
	return msg
}

// Is allows QuotaError to be compared with ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// TransportError is a failure talking to the model.
type TransportError struct {
	// Status is the HTTP status when one was received, 0 otherwise.
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("transport error (HTTP %d): %s: %v", e.Status, e.Message, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("transport error (HTTP %d): %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("transport error: %s: %v", e.Message, e.Err)
	default:
		return "transport error: " + e.Message
	}
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// UndoError is a failed reversal of a tool effect.
type UndoError struct {
	ToolCallID string
	Err        error
}

// Error implements the error interface.
func (e *UndoError) Error() string {
	return fmt.Sprintf("undo failed for tool call %s: %v", e.ToolCallID, e.Err)
}

// Unwrap returns the underlying error.
func (e *UndoError) Unwrap() error {
	return e.Err
}

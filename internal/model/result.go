// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"time"
)

// ToolCallResult is the settled outcome of one dispatched tool call.
type ToolCallResult struct {
	ToolCallID string
	ToolName   string
	Success    bool
	Output     any
	Error      *ToolError
	Duration   time.Duration

	// Undo is set when the tool mutated durable state and can reverse it.
	Undo *UndoHandle
}

// ToolError is a structured tool failure.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Tool error codes.
const (
	ToolErrTimeout      = "timeout"
	ToolErrAborted      = "aborted"
	ToolErrUnknownTool  = "unknown_tool"
	ToolErrInvalidInput = "invalid_input"
	ToolErrFailed       = "failed"
)

// UndoHandle describes how to reverse a tool effect. It is plain data; the
// tool named by Tool interprets Ref and State when asked to revert.
type UndoHandle struct {
	Tool  string          `json:"tool"`
	Ref   string          `json:"ref"`
	State json.RawMessage `json:"state,omitempty"`
}

// Credentials is an access/refresh token pair.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

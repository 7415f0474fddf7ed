// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages
// and the parts a streamed assistant response is folded into.
//
// # Key Types
//
//   - Conversation: a chat with its ordered messages, current error and usage
//   - Message: one message with a role and an ordered list of Parts
//   - Part: tagged union of TextPart, ToolCallPart, ReasoningPart and
//     StepBoundaryPart
//   - ToolCallResult: the settled outcome of one dispatched tool call
//   - UndoHandle: a value describing how to reverse a tool's effect
//
// # Tool Call States
//
// A ToolCallPart only moves forward:
//
//	input-streaming -> input-available -> output-available | output-error
//
// Advance rejects any transition that would move a part backwards or out of
// a terminal state.
//
// # Usage
//
//	conv := model.NewConversation("refactor session")
//	conv.AddMessage(model.NewUserMessage("hi"))
//	pending := conv.PendingToolCalls()
package model

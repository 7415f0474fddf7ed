// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream folds a model's chunked response into a conversation.
//
// A response is a Sequence: a pull-based, ordered, finite source of Chunks.
// Next blocks until the next chunk is available and returns io.EOF once the
// sequence is exhausted. Sequences cannot be rewound.
//
// Consumer applies chunks one at a time. Only one assistant message is open
// for appending at any moment; a chunk addressed to a new message id freezes
// the previously open one, and any later chunk for a frozen message is
// rejected with ErrMessageFrozen.
//
// # Chunk Kinds
//
//   - text-delta: append text to the TextPart at PartIndex
//   - reasoning-delta: append text to the ReasoningPart at PartIndex
//   - tool-input-start: create a ToolCallPart in input-streaming
//   - tool-input-available: create or update a ToolCallPart to input-available
//   - step-boundary: append a StepBoundaryPart
//   - terminal: end of response, lists the tool calls to dispatch
package stream

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"io"
	"sync"

	"github.com/jeranaias/rigrun-turns/internal/model"
)

// =============================================================================
// CHUNKS
// =============================================================================

// ChunkKind identifies a chunk variant.
type ChunkKind string

const (
	ChunkTextDelta          ChunkKind = "text-delta"
	ChunkReasoningDelta     ChunkKind = "reasoning-delta"
	ChunkToolInputStart     ChunkKind = "tool-input-start"
	ChunkToolInputAvailable ChunkKind = "tool-input-available"
	ChunkStepBoundary       ChunkKind = "step-boundary"
	ChunkTerminal           ChunkKind = "terminal"
)

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any
}

// Chunk is one unit of streamed model output. Which fields are meaningful
// depends on Kind.
type Chunk struct {
	Kind ChunkKind

	// MessageID addresses the assistant message. Empty means the open one.
	MessageID string

	// PartIndex addresses a part within the message.
	PartIndex int

	// Delta is the appended text for text and reasoning deltas.
	Delta string

	// Tool call fields for tool-input-* chunks.
	ToolCallID string
	ToolName   string
	Input      map[string]any

	// Terminal fields.
	ToolCalls    []ToolCallRequest
	Usage        *model.Usage
	FinishReason string
}

// TextDelta builds a text-delta chunk.
func TextDelta(messageID string, index int, text string) Chunk {
	return Chunk{Kind: ChunkTextDelta, MessageID: messageID, PartIndex: index, Delta: text}
}

// ToolInputAvailable builds a tool-input-available chunk.
func ToolInputAvailable(messageID string, index int, call ToolCallRequest) Chunk {
	return Chunk{
		Kind:       ChunkToolInputAvailable,
		MessageID:  messageID,
		PartIndex:  index,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Input:      call.Input,
	}
}

// Terminal builds a terminal chunk.
func Terminal(calls ...ToolCallRequest) Chunk {
	return Chunk{Kind: ChunkTerminal, ToolCalls: calls}
}

// =============================================================================
// SEQUENCES
// =============================================================================

// Sequence is a lazily produced, ordered, finite chunk source.
type Sequence interface {
	// Next returns the next chunk, io.EOF when exhausted, or the error that
	// ended the stream. Once Next returns an error it keeps returning it.
	Next(ctx context.Context) (Chunk, error)

	// Close releases the underlying stream. Safe to call more than once.
	Close() error
}

// SliceSequence replays a fixed list of chunks, optionally ending with an
// error instead of io.EOF.
type SliceSequence struct {
	mu     sync.Mutex
	chunks []Chunk
	pos    int
	err    error
	closed bool
}

// FromSlice returns a sequence over chunks.
func FromSlice(chunks ...Chunk) *SliceSequence {
	return &SliceSequence{chunks: chunks}
}

// FailAfter makes the sequence end with err once the chunks are exhausted.
func (s *SliceSequence) FailAfter(err error) *SliceSequence {
	s.err = err
	return s
}

// Next implements Sequence.
func (s *SliceSequence) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, io.EOF
	}
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

// Close implements Sequence.
func (s *SliceSequence) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

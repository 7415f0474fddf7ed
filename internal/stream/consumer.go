// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMessageFrozen is returned for a chunk addressed to a message that is
	// no longer open for appending.
	ErrMessageFrozen = errors.New("message is frozen")

	// ErrPartKindMismatch is returned when a chunk addresses a part of a
	// different kind.
	ErrPartKindMismatch = errors.New("part kind mismatch")

	// ErrDuplicateToolCallID is returned when a tool call id already exists
	// elsewhere in the conversation.
	ErrDuplicateToolCallID = errors.New("duplicate tool call id")

	// ErrStreamFinished is returned for chunks after the terminal chunk.
	ErrStreamFinished = errors.New("stream already finished")

	// ErrMalformedChunk is returned for chunks missing required fields.
	ErrMalformedChunk = errors.New("malformed chunk")
)

// Result summarises a consumed stream.
type Result struct {
	// ToolCalls are the calls listed by the terminal chunk.
	ToolCalls    []ToolCallRequest
	Usage        model.Usage
	FinishReason string

	// MessageIDs are the assistant messages created by this stream.
	MessageIDs []string
}

// Mutator runs fn against the conversation under the caller's lock and
// commits the outcome. Consume routes every chunk through it.
type Mutator func(fn func(conv *model.Conversation) error) error

// Direct returns a Mutator that applies changes to conv without locking.
func Direct(conv *model.Conversation) Mutator {
	return func(fn func(*model.Conversation) error) error {
		return fn(conv)
	}
}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer folds one response into a conversation. Create one per stream.
//
// Part indices are names chosen by the producer, not positions: a chunk for
// index 3 of a message with one part creates a new part, and every later
// chunk for index 3 resolves to that same part.
type Consumer struct {
	open     *model.Message
	created  map[string]bool
	indexed  map[string]map[int]model.Part
	order    []string
	terminal *Chunk
}

// NewConsumer creates a consumer for a single response.
func NewConsumer() *Consumer {
	return &Consumer{
		created: make(map[string]bool),
		indexed: make(map[string]map[int]model.Part),
	}
}

// Consume pulls chunks from seq until the terminal chunk, applying each
// through mutate before pulling the next. Cancellation of ctx stops
// consumption before the next pull, and a chunk pulled after cancellation is
// dropped unapplied. A sequence that ends without a terminal
// chunk is reported as a transport failure.
func (c *Consumer) Consume(ctx context.Context, seq Sequence, mutate Mutator) (Result, error) {
	defer seq.Close()

	for c.terminal == nil {
		if err := ctx.Err(); err != nil {
			return c.result(), err
		}
		ch, err := seq.Next(ctx)
		if cerr := ctx.Err(); cerr != nil {
			// A chunk delivered after cancellation belongs to a turn that no
			// longer owns the transcript.
			return c.result(), cerr
		}
		if errors.Is(err, io.EOF) {
			return c.result(), &errclass.TransportError{Message: "stream ended without a terminal chunk", Err: io.ErrUnexpectedEOF}
		}
		if err != nil {
			return c.result(), err
		}
		if err := mutate(func(conv *model.Conversation) error {
			return c.Apply(conv, ch)
		}); err != nil {
			return c.result(), err
		}
	}
	return c.result(), nil
}

// Finished reports whether the terminal chunk has been applied.
func (c *Consumer) Finished() bool {
	return c.terminal != nil
}

func (c *Consumer) result() Result {
	res := Result{MessageIDs: append([]string(nil), c.order...)}
	if c.terminal != nil {
		res.ToolCalls = c.terminal.ToolCalls
		res.FinishReason = c.terminal.FinishReason
		if c.terminal.Usage != nil {
			res.Usage = *c.terminal.Usage
		}
	}
	return res
}

// Apply folds one chunk into conv.
func (c *Consumer) Apply(conv *model.Conversation, ch Chunk) error {
	if c.terminal != nil {
		return fmt.Errorf("%w: got %s", ErrStreamFinished, ch.Kind)
	}

	switch ch.Kind {
	case ChunkTextDelta:
		msg, err := c.target(conv, ch.MessageID)
		if err != nil {
			return err
		}
		part, err := ensurePart(c, msg, ch.PartIndex, func() *model.TextPart { return &model.TextPart{} })
		if err != nil {
			return err
		}
		part.Text += ch.Delta

	case ChunkReasoningDelta:
		msg, err := c.target(conv, ch.MessageID)
		if err != nil {
			return err
		}
		part, err := ensurePart(c, msg, ch.PartIndex, func() *model.ReasoningPart { return &model.ReasoningPart{} })
		if err != nil {
			return err
		}
		part.Text += ch.Delta

	case ChunkToolInputStart:
		return c.applyToolInput(conv, ch, model.StateInputStreaming)

	case ChunkToolInputAvailable:
		return c.applyToolInput(conv, ch, model.StateInputAvailable)

	case ChunkStepBoundary:
		msg, err := c.target(conv, ch.MessageID)
		if err != nil {
			return err
		}
		msg.Parts = append(msg.Parts, &model.StepBoundaryPart{})

	case ChunkTerminal:
		for _, call := range ch.ToolCalls {
			if err := c.ensureRequested(conv, call); err != nil {
				return err
			}
		}
		term := ch
		c.terminal = &term
		c.open = nil

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedChunk, ch.Kind)
	}
	return nil
}

// target returns the message a chunk is addressed to, creating it if it is
// new and freezing the previously open message.
func (c *Consumer) target(conv *model.Conversation, id string) (*model.Message, error) {
	if id == "" {
		if c.open != nil {
			return c.open, nil
		}
	} else {
		if c.open != nil && c.open.ID == id {
			return c.open, nil
		}
		if c.created[id] || conv.GetMessageByID(id) != nil {
			return nil, fmt.Errorf("%w: %s", ErrMessageFrozen, id)
		}
	}

	msg := model.NewAssistantMessage(id)
	conv.AddMessage(msg)
	c.created[msg.ID] = true
	c.order = append(c.order, msg.ID)
	c.open = msg
	return msg, nil
}

func (c *Consumer) applyToolInput(conv *model.Conversation, ch Chunk, state model.ToolCallState) error {
	if ch.ToolCallID == "" {
		return fmt.Errorf("%w: %s without tool call id", ErrMalformedChunk, ch.Kind)
	}
	msg, err := c.target(conv, ch.MessageID)
	if err != nil {
		return err
	}

	if owner, existing := conv.FindToolCall(ch.ToolCallID); existing != nil {
		if owner != msg || c.indexed[msg.ID][ch.PartIndex] != model.Part(existing) {
			return fmt.Errorf("%w: %s", ErrDuplicateToolCallID, ch.ToolCallID)
		}
	}

	part, err := ensurePart(c, msg, ch.PartIndex, func() *model.ToolCallPart {
		return &model.ToolCallPart{ToolCallID: ch.ToolCallID}
	})
	if err != nil {
		return err
	}
	if part.ToolCallID != ch.ToolCallID {
		return fmt.Errorf("%w: part %d holds %s, chunk carries %s", ErrDuplicateToolCallID, ch.PartIndex, part.ToolCallID, ch.ToolCallID)
	}
	if err := part.Advance(state); err != nil {
		return err
	}
	if ch.ToolName != "" {
		part.ToolName = ch.ToolName
	}
	if ch.Input != nil {
		part.Input = model.CloneInput(ch.Input)
	}
	return nil
}

// ensureRequested makes sure a call listed by the terminal chunk has a part
// in input-available.
func (c *Consumer) ensureRequested(conv *model.Conversation, call ToolCallRequest) error {
	if call.ToolCallID == "" {
		return fmt.Errorf("%w: terminal tool call without id", ErrMalformedChunk)
	}
	owner, part := conv.FindToolCall(call.ToolCallID)
	if part == nil {
		msg, err := c.target(conv, "")
		if err != nil {
			return err
		}
		part = &model.ToolCallPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName}
		msg.Parts = append(msg.Parts, part)
	} else if !c.created[owner.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateToolCallID, call.ToolCallID)
	}
	if part.State == model.StateInputAvailable {
		return nil
	}
	if err := part.Advance(model.StateInputAvailable); err != nil {
		return err
	}
	if part.ToolName == "" {
		part.ToolName = call.ToolName
	}
	if part.Input == nil && call.Input != nil {
		part.Input = model.CloneInput(call.Input)
	}
	return nil
}

// ensurePart returns the part of type T that index names in msg, appending
// a new one the first time the index is seen.
func ensurePart[T model.Part](c *Consumer, msg *model.Message, index int, newPart func() T) (T, error) {
	var zero T
	if index < 0 {
		return zero, fmt.Errorf("%w: negative part index %d", ErrMalformedChunk, index)
	}
	parts := c.indexed[msg.ID]
	if parts == nil {
		parts = make(map[int]model.Part)
		c.indexed[msg.ID] = parts
	}
	if existing, ok := parts[index]; ok {
		p, ok := existing.(T)
		if !ok {
			return zero, fmt.Errorf("%w: message %s part %d is %s", ErrPartKindMismatch, msg.ID, index, existing.Kind())
		}
		return p, nil
	}
	p := newPart()
	msg.Parts = append(msg.Parts, p)
	parts[index] = p
	return p, nil
}

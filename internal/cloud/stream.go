// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/stream"
)

// =============================================================================
// STREAM TYPES
// =============================================================================

// streamChunk is one SSE payload of a streaming completion.
type streamChunk struct {
	ID      string         `json:"id"`
	Choices []streamChoice `json:"choices"`
	Usage   *wireUsage     `json:"usage,omitempty"`
	Error   *apiError      `json:"error,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// A final event without its blank line still counts.
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}
}

// =============================================================================
// SSE SEQUENCE
// =============================================================================

// callAccumulator gathers the fragments of one streamed tool call.
type callAccumulator struct {
	id        string
	name      string
	partIndex int
	args      bytes.Buffer
}

// sseSequence translates OpenRouter SSE events into stream chunks, one
// event per pull.
type sseSequence struct {
	body   io.ReadCloser
	reader *SSEReader
	logger *slog.Logger

	messageID      string
	nextPart       int
	textPart       int
	reasoningPart  int
	calls          map[int]*callAccumulator
	callOrder      []int
	usage          *model.Usage
	finishReason   string
	finished       bool
	terminalQueued bool

	pending []stream.Chunk
	done    bool
	err     error

	closeOnce sync.Once
}

func newSSESequence(body io.ReadCloser, logger *slog.Logger) *sseSequence {
	return &sseSequence{
		body:          body,
		reader:        NewSSEReader(body),
		logger:        logger,
		messageID:     model.NewID(model.PrefixMessage),
		textPart:      -1,
		reasoningPart: -1,
		calls:         make(map[int]*callAccumulator),
	}
}

// Next implements stream.Sequence.
func (s *sseSequence) Next(ctx context.Context) (stream.Chunk, error) {
	for {
		if s.err != nil {
			return stream.Chunk{}, s.err
		}
		if len(s.pending) > 0 {
			ch := s.pending[0]
			s.pending = s.pending[1:]
			return ch, nil
		}
		if s.done {
			return stream.Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			s.err = err
			continue
		}

		_, data, err := s.reader.ReadEvent()
		switch {
		case errors.Is(err, io.EOF):
			s.done = true
			if s.finished {
				s.queueTerminal()
			}
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.err = ctxErr
			} else {
				s.err = &errclass.TransportError{Message: "stream read failed", Err: err}
			}
		default:
			s.handle(data)
		}
	}
}

// Close implements stream.Sequence.
func (s *sseSequence) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// handle translates one event payload into pending chunks.
func (s *sseSequence) handle(data []byte) {
	if string(data) == "[DONE]" {
		s.done = true
		s.queueTerminal()
		return
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		s.logger.Debug("skipping malformed stream event", "error", err, "size", len(data))
		return
	}
	if chunk.Error != nil {
		s.err = statusError(codeStatus(chunk.Error.Code), chunk.Error.Message, "")
		return
	}
	if chunk.Usage != nil {
		s.usage = &model.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		s.handleDelta(choice.Delta)
		if choice.FinishReason != nil && *choice.FinishReason != "" && !s.finished {
			s.finished = true
			s.finishReason = *choice.FinishReason
			s.queueToolInputs()
		}
	}
}

func (s *sseSequence) handleDelta(d streamDelta) {
	if d.Reasoning != "" {
		if s.reasoningPart < 0 {
			s.reasoningPart = s.allocPart()
		}
		s.pending = append(s.pending, stream.Chunk{
			Kind:      stream.ChunkReasoningDelta,
			MessageID: s.messageID,
			PartIndex: s.reasoningPart,
			Delta:     d.Reasoning,
		})
	}
	if d.Content != "" {
		if s.textPart < 0 {
			s.textPart = s.allocPart()
		}
		s.pending = append(s.pending, stream.TextDelta(s.messageID, s.textPart, d.Content))
	}

	for _, tc := range d.ToolCalls {
		acc, ok := s.calls[tc.Index]
		if !ok {
			acc = &callAccumulator{id: tc.ID, partIndex: s.allocPart()}
			if acc.id == "" {
				acc.id = model.NewID(model.PrefixToolCall)
			}
			s.calls[tc.Index] = acc
			s.callOrder = append(s.callOrder, tc.Index)
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		acc.args.WriteString(tc.Function.Arguments)

		if !ok {
			s.pending = append(s.pending, stream.Chunk{
				Kind:       stream.ChunkToolInputStart,
				MessageID:  s.messageID,
				PartIndex:  acc.partIndex,
				ToolCallID: acc.id,
				ToolName:   acc.name,
			})
		}
	}
}

// queueToolInputs moves every accumulated call to input-available.
func (s *sseSequence) queueToolInputs() {
	for _, idx := range s.callOrder {
		acc := s.calls[idx]
		s.pending = append(s.pending, stream.ToolInputAvailable(s.messageID, acc.partIndex, stream.ToolCallRequest{
			ToolCallID: acc.id,
			ToolName:   acc.name,
			Input:      parseArguments(acc.args.Bytes()),
		}))
	}
}

// queueTerminal queues the terminal chunk once. Usage arrives after the
// finish reason, so the terminal waits for [DONE] or end of body.
func (s *sseSequence) queueTerminal() {
	if s.terminalQueued {
		return
	}
	s.terminalQueued = true
	if !s.finished {
		// [DONE] without a finish reason: settle whatever was streamed.
		s.finished = true
		s.finishReason = "stop"
		s.queueToolInputs()
	}

	term := stream.Terminal()
	for _, idx := range s.callOrder {
		acc := s.calls[idx]
		term.ToolCalls = append(term.ToolCalls, stream.ToolCallRequest{ToolCallID: acc.id, ToolName: acc.name})
	}
	term.Usage = s.usage
	term.FinishReason = s.finishReason
	s.pending = append(s.pending, term)
}

func (s *sseSequence) allocPart() int {
	idx := s.nextPart
	s.nextPart++
	return idx
}

// parseArguments decodes streamed tool arguments. Undecodable input is kept
// raw so the tool reports a validation error the model can act on.
func parseArguments(raw []byte) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{"_raw_arguments": string(raw)}
	}
	return args
}

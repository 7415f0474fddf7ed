// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/stream"
	"github.com/jeranaias/rigrun-turns/internal/turn"
)

// =============================================================================
// GOLLM TRANSPORT
// =============================================================================

// GollmConfig selects a provider reachable through gollm.
type GollmConfig struct {
	Provider  string
	Model     string
	APIKey    string
	MaxTokens int
}

// GollmTransport is a text-only ModelTransport for providers other than
// OpenRouter (ollama, anthropic, openai, groq...). It never produces tool
// calls, so turns through it finish after one step.
type GollmTransport struct {
	llm gollm.LLM
}

// NewGollmTransport builds the provider client.
func NewGollmTransport(cfg GollmConfig) (*GollmTransport, error) {
	if cfg.Provider == "" || cfg.Model == "" {
		return nil, errors.New("gollm transport needs a provider and a model")
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxRetries(0), // retries belong to the turn controller
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, gollm.SetMaxTokens(cfg.MaxTokens))
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}
	return &GollmTransport{llm: llm}, nil
}

// Open implements turn.ModelTransport.
func (g *GollmTransport) Open(ctx context.Context, req turn.Request) (stream.Sequence, error) {
	system, text := buildPrompt(req)
	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	prompt := gollm.NewPrompt(text, promptOpts...)

	if !g.llm.SupportsStreaming() {
		out, err := g.llm.Generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("gollm generate: %w", err)
		}
		return newTextSequence(func(context.Context) (string, error) {
			if out == "" {
				return "", io.EOF
			}
			s := out
			out = ""
			return s, nil
		}, nil), nil
	}

	ts, err := g.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("gollm stream: %w", err)
	}
	return newTextSequence(func(ctx context.Context) (string, error) {
		tok, err := ts.Next(ctx)
		if err != nil {
			return "", err
		}
		if tok == nil {
			return "", nil
		}
		return tok.Text, nil
	}, ts.Close), nil
}

// buildPrompt flattens the transcript into a system prompt and one prompt
// text, since gollm takes a single prompt per call.
func buildPrompt(req turn.Request) (system, text string) {
	var sys []string
	if req.SystemPrompt != "" {
		sys = append(sys, req.SystemPrompt)
	}
	if len(req.Snippets) > 0 {
		sys = append(sys, "Context:\n\n"+strings.Join(req.Snippets, "\n\n"))
	}

	var lines []string
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case model.RoleSystem:
			sys = append(sys, msg.Text())
		case model.RoleUser:
			lines = append(lines, msg.Text())
		case model.RoleAssistant:
			if t := msg.Text(); t != "" {
				lines = append(lines, "[Assistant]: "+t)
			}
			for _, call := range msg.ToolCalls() {
				if !call.State.Terminal() {
					continue
				}
				prefix := "[Tool Result]"
				if call.State == model.StateOutputError {
					prefix = "[Tool Error]"
				}
				lines = append(lines, fmt.Sprintf("%s %s: %s", prefix, call.ToolName, toolResultContent(call)))
			}
		}
	}

	text = strings.Join(lines, "\n")
	if text == "" {
		text = "Hello"
	}
	return strings.TrimSpace(strings.Join(sys, "\n\n")), text
}

// =============================================================================
// TEXT SEQUENCE
// =============================================================================

// textSequence adapts a pull-based text source to chunks: deltas into one
// text part, then a terminal chunk without tool calls.
type textSequence struct {
	next      func(ctx context.Context) (string, error)
	closeFn   func() error
	messageID string
	done      bool
	err       error
	closeOnce sync.Once
}

func newTextSequence(next func(context.Context) (string, error), closeFn func() error) *textSequence {
	return &textSequence{next: next, closeFn: closeFn, messageID: model.NewID(model.PrefixMessage)}
}

// Next implements stream.Sequence.
func (s *textSequence) Next(ctx context.Context) (stream.Chunk, error) {
	for {
		if s.err != nil {
			return stream.Chunk{}, s.err
		}
		if s.done {
			return stream.Chunk{}, io.EOF
		}
		text, err := s.next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.done = true
			term := stream.Terminal()
			term.FinishReason = "stop"
			return term, nil
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.err = ctxErr
			} else {
				s.err = fmt.Errorf("gollm stream: %w", err)
			}
		case text != "":
			return stream.TextDelta(s.messageID, 0, text), nil
		}
	}
}

// Close implements stream.Sequence.
func (s *textSequence) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}

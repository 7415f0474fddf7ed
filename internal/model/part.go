// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrStateRegression is returned when a tool call part would move backwards
// or leave a terminal state.
var ErrStateRegression = errors.New("tool call state regression")

// =============================================================================
// PART KINDS
// =============================================================================

// PartKind tags the variants of Part.
type PartKind string

const (
	PartText         PartKind = "text"
	PartToolCall     PartKind = "tool-call"
	PartReasoning    PartKind = "reasoning"
	PartStepBoundary PartKind = "step-boundary"
)

// Part is one element of a message. The set of implementations is closed.
type Part interface {
	Kind() PartKind
	clone() Part
}

// TextPart holds assistant or user text.
type TextPart struct {
	Text string
}

func (*TextPart) Kind() PartKind { return PartText }
func (p *TextPart) clone() Part  { c := *p; return &c }

// ReasoningPart holds model reasoning emitted alongside the answer.
type ReasoningPart struct {
	Text string
}

func (*ReasoningPart) Kind() PartKind { return PartReasoning }
func (p *ReasoningPart) clone() Part  { c := *p; return &c }

// StepBoundaryPart marks the end of one model step inside a message.
type StepBoundaryPart struct{}

func (*StepBoundaryPart) Kind() PartKind { return PartStepBoundary }
func (*StepBoundaryPart) clone() Part    { return &StepBoundaryPart{} }

// =============================================================================
// TOOL CALL STATE
// =============================================================================

// ToolCallState is the lifecycle state of a ToolCallPart.
type ToolCallState string

const (
	StateInputStreaming  ToolCallState = "input-streaming"
	StateInputAvailable  ToolCallState = "input-available"
	StateOutputAvailable ToolCallState = "output-available"
	StateOutputError     ToolCallState = "output-error"
)

func (s ToolCallState) rank() int {
	switch s {
	case StateInputStreaming:
		return 0
	case StateInputAvailable:
		return 1
	case StateOutputAvailable, StateOutputError:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s ToolCallState) Terminal() bool {
	return s.rank() == 2
}

// CanAdvanceTo reports whether moving from s to next keeps the state
// sequence non-decreasing. Re-entering the same non-terminal state is
// allowed so that input can be refined while it streams.
func (s ToolCallState) CanAdvanceTo(next ToolCallState) bool {
	if next.rank() < 0 {
		return false
	}
	if s == next {
		return !s.Terminal()
	}
	return next.rank() > s.rank()
}

// =============================================================================
// TOOL CALL PART
// =============================================================================

// ToolCallPart is a model-requested tool invocation and its outcome.
type ToolCallPart struct {
	ToolName   string
	ToolCallID string
	State      ToolCallState
	Input      map[string]any
	Output     any
	ErrorText  string
}

func (*ToolCallPart) Kind() PartKind { return PartToolCall }

func (p *ToolCallPart) clone() Part {
	c := *p
	c.Input = CloneInput(p.Input)
	c.Output = cloneValue(p.Output)
	return &c
}

// CloneInput returns a deep copy of a tool input map. Nested maps and slices
// are copied, so the copy shares nothing mutable with in.
func CloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values. Anything else goes through a
// JSON round trip; values that cannot be encoded are returned as is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return t
	case map[string]any:
		return CloneInput(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Advance moves the part to next, rejecting regressions.
func (p *ToolCallPart) Advance(next ToolCallState) error {
	if p.State == "" {
		p.State = next
		return nil
	}
	if !p.State.CanAdvanceTo(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrStateRegression, p.ToolCallID, p.State, next)
	}
	p.State = next
	return nil
}

// Complete records a successful output.
func (p *ToolCallPart) Complete(output any) error {
	if err := p.Advance(StateOutputAvailable); err != nil {
		return err
	}
	p.Output = output
	return nil
}

// Fail records an error outcome.
func (p *ToolCallPart) Fail(errorText string) error {
	if err := p.Advance(StateOutputError); err != nil {
		return err
	}
	p.ErrorText = errorText
	return nil
}

// =============================================================================
// SERIALIZATION
// =============================================================================

type partEnvelope struct {
	Kind       PartKind       `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	State      ToolCallState  `json:"state,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	ErrorText  string         `json:"error_text,omitempty"`
}

// MarshalParts encodes parts as a JSON array of tagged envelopes.
func MarshalParts(parts []Part) ([]byte, error) {
	envs := make([]partEnvelope, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case *TextPart:
			envs = append(envs, partEnvelope{Kind: PartText, Text: v.Text})
		case *ReasoningPart:
			envs = append(envs, partEnvelope{Kind: PartReasoning, Text: v.Text})
		case *StepBoundaryPart:
			envs = append(envs, partEnvelope{Kind: PartStepBoundary})
		case *ToolCallPart:
			envs = append(envs, partEnvelope{
				Kind:       PartToolCall,
				ToolName:   v.ToolName,
				ToolCallID: v.ToolCallID,
				State:      v.State,
				Input:      v.Input,
				Output:     v.Output,
				ErrorText:  v.ErrorText,
			})
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
	}
	return json.Marshal(envs)
}

// UnmarshalParts decodes parts written by MarshalParts.
func UnmarshalParts(data []byte) ([]Part, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var envs []partEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	parts := make([]Part, 0, len(envs))
	for _, env := range envs {
		switch env.Kind {
		case PartText:
			parts = append(parts, &TextPart{Text: env.Text})
		case PartReasoning:
			parts = append(parts, &ReasoningPart{Text: env.Text})
		case PartStepBoundary:
			parts = append(parts, &StepBoundaryPart{})
		case PartToolCall:
			parts = append(parts, &ToolCallPart{
				ToolName:   env.ToolName,
				ToolCallID: env.ToolCallID,
				State:      env.State,
				Input:      env.Input,
				Output:     env.Output,
				ErrorText:  env.ErrorText,
			})
		default:
			return nil, fmt.Errorf("unknown part kind %q", env.Kind)
		}
	}
	return parts, nil
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"
	"strings"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/tools"
	"github.com/jeranaias/rigrun-turns/internal/turn"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatRequest is the body of a chat completions request.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []toolSpec     `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatMessage is one message in OpenAI-compatible form.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// =============================================================================
// CONVERSION
// =============================================================================

// buildChatRequest translates a turn request into the wire body.
func buildChatRequest(modelID string, maxTokens int, req turn.Request) chatRequest {
	out := chatRequest{
		Model:         modelID,
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, textMessage("system", req.SystemPrompt))
	}
	if len(req.Snippets) > 0 {
		out.Messages = append(out.Messages, textMessage("system", "Context:\n\n"+strings.Join(req.Snippets, "\n\n")))
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(msg)...)
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, convertTool(def))
	}
	return out
}

// convertMessage maps one transcript message. An assistant message becomes
// the assistant turn followed by one tool message per settled call.
func convertMessage(msg *model.Message) []chatMessage {
	if msg == nil {
		return nil
	}
	switch msg.Role {
	case model.RoleUser, model.RoleSystem:
		return []chatMessage{textMessage(string(msg.Role), msg.Text())}
	case model.RoleAssistant:
	default:
		return nil
	}

	assistant := chatMessage{Role: "assistant"}
	if text := msg.Text(); text != "" {
		assistant.Content = &text
	}

	var results []chatMessage
	for _, call := range msg.ToolCalls() {
		if !call.State.Terminal() {
			// Every advertised call needs a tool message after it.
			continue
		}
		args, err := json.Marshal(call.Input)
		if err != nil || call.Input == nil {
			args = []byte("{}")
		}
		assistant.ToolCalls = append(assistant.ToolCalls, wireToolCall{
			ID:       call.ToolCallID,
			Type:     "function",
			Function: wireFunction{Name: call.ToolName, Arguments: string(args)},
		})
		content := toolResultContent(call)
		results = append(results, chatMessage{Role: "tool", ToolCallID: call.ToolCallID, Content: &content})
	}

	if assistant.Content == nil && len(assistant.ToolCalls) == 0 {
		return nil
	}
	return append([]chatMessage{assistant}, results...)
}

// toolResultContent renders a settled call's outcome for the model.
func toolResultContent(call *model.ToolCallPart) string {
	if call.State == model.StateOutputError {
		return "Error: " + call.ErrorText
	}
	switch v := call.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// convertTool renders a tool definition as a JSON-schema function.
func convertTool(def tools.Definition) toolSpec {
	props := make(map[string]any, len(def.Parameters))
	required := []string{}
	for _, p := range def.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return toolSpec{
		Type: "function",
		Function: functionSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
	}
}

func textMessage(role, text string) chatMessage {
	return chatMessage{Role: role, Content: &text}
}

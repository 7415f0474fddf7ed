// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-turns/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Parts holds the ordered content of the message.
	Parts []Part `json:"-"`

	// ContextSnippet is the optional context the message originated from
	// (expanded mentions, retrieved snippets). Never interpreted by the engine.
	ContextSnippet string `json:"context_snippet,omitempty"`
}

// NewMessage creates a new message with a generated ID and no parts.
func NewMessage(role Role) *Message {
	return &Message{
		ID:        NewID(PrefixMessage),
		Role:      role,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a user message holding a single text part.
func NewUserMessage(text string) *Message {
	msg := NewMessage(RoleUser)
	msg.Parts = []Part{&TextPart{Text: text}}
	return msg
}

// NewSystemMessage creates a system message holding a single text part.
func NewSystemMessage(text string) *Message {
	msg := NewMessage(RoleSystem)
	msg.Parts = []Part{&TextPart{Text: text}}
	return msg
}

// NewAssistantMessage creates an empty assistant message. An empty id gets
// a generated one.
func NewAssistantMessage(id string) *Message {
	msg := NewMessage(RoleAssistant)
	if id != "" {
		msg.ID = id
	}
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// Text concatenates every TextPart of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(*TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-call parts of the message in order.
func (m *Message) ToolCalls() []*ToolCallPart {
	var calls []*ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(*ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// FindToolCall returns the tool-call part with the given id, or nil.
func (m *Message) FindToolCall(toolCallID string) *ToolCallPart {
	for _, p := range m.Parts {
		if tc, ok := p.(*ToolCallPart); ok && tc.ToolCallID == toolCallID {
			return tc
		}
	}
	return nil
}

// Preview returns a truncated preview of the message text.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(strings.TrimSpace(m.Text()), maxLen)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		clone.Parts[i] = p.clone()
	}
	return &clone
}

// =============================================================================
// SERIALIZATION
// =============================================================================

type messageJSON struct {
	ID             string          `json:"id"`
	Role           Role            `json:"role"`
	CreatedAt      time.Time       `json:"created_at"`
	Parts          json.RawMessage `json:"parts"`
	ContextSnippet string          `json:"context_snippet,omitempty"`
}

// MarshalJSON encodes the message with its parts as tagged envelopes.
func (m *Message) MarshalJSON() ([]byte, error) {
	parts, err := MarshalParts(m.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		ID:             m.ID,
		Role:           m.Role,
		CreatedAt:      m.CreatedAt,
		Parts:          parts,
		ContextSnippet: m.ContextSnippet,
	})
}

// UnmarshalJSON decodes a message written by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parts, err := UnmarshalParts(raw.Parts)
	if err != nil {
		return err
	}
	m.ID = raw.ID
	m.Role = raw.Role
	m.CreatedAt = raw.CreatedAt
	m.Parts = parts
	m.ContextSnippet = raw.ContextSnippet
	return nil
}

// =============================================================================
// IDS
// =============================================================================

// ID prefixes used across the engine.
const (
	PrefixConversation = "conv_"
	PrefixMessage      = "msg_"
	PrefixToolCall     = "call_"
)

// NewID returns a random identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

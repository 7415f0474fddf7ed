// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a complete chat conversation with history and metadata.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Error is the current conversation-visible error, nil when healthy.
	Error *ConversationError `json:"error,omitempty"`

	// Usage accumulates token counters reported by the transport.
	Usage Usage `json:"usage"`
}

// NewConversation creates a new conversation with a generated ID.
func NewConversation(title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        NewID(PrefixConversation),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// ConversationError is a failure surfaced on the conversation.
type ConversationError struct {
	// Kind is the error category (QuotaExceeded, AuthExpired, ...).
	Kind string `json:"kind"`

	// Message is the human readable description.
	Message string `json:"message"`

	// Cooldown is set for quota errors.
	Cooldown time.Duration `json:"cooldown_ns,omitempty"`

	// ToolCallID is set for undo failures.
	ToolCallID string `json:"tool_call_id,omitempty"`

	At time.Time `json:"at"`
}

// Usage holds token counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Requests         int `json:"requests"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.Requests += o.Requests
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// GetMessageByID returns a message by its ID.
func (c *Conversation) GetMessageByID(id string) *Message {
	if i := c.MessageIndex(id); i >= 0 {
		return c.Messages[i]
	}
	return nil
}

// MessageIndex returns the position of the message with the given id, or -1.
func (c *Conversation) MessageIndex(id string) int {
	for i, msg := range c.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// GetLastUserMessage returns the most recent user message.
func (c *Conversation) GetLastUserMessage() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i]
		}
	}
	return nil
}

// TruncateAfter drops every message after the one with the given id.
// It reports false when the message does not exist.
func (c *Conversation) TruncateAfter(id string) bool {
	i := c.MessageIndex(id)
	if i < 0 {
		return false
	}
	for j := i + 1; j < len(c.Messages); j++ {
		c.Messages[j] = nil
	}
	c.Messages = c.Messages[:i+1]
	c.UpdatedAt = time.Now()
	return true
}

// TruncateTo keeps only the first n messages.
func (c *Conversation) TruncateTo(n int) {
	if n < 0 || n >= len(c.Messages) {
		return
	}
	for j := n; j < len(c.Messages); j++ {
		c.Messages[j] = nil
	}
	c.Messages = c.Messages[:n]
	c.UpdatedAt = time.Now()
}

// =============================================================================
// TOOL CALL LOOKUP
// =============================================================================

// FindToolCall locates a tool-call part anywhere in the conversation.
func (c *Conversation) FindToolCall(toolCallID string) (*Message, *ToolCallPart) {
	for _, msg := range c.Messages {
		if tc := msg.FindToolCall(toolCallID); tc != nil {
			return msg, tc
		}
	}
	return nil, nil
}

// ToolCallIDsAfter returns the ids of tool calls in assistant messages
// strictly after position index.
func (c *Conversation) ToolCallIDsAfter(index int) map[string]struct{} {
	ids := make(map[string]struct{})
	for i := index + 1; i < len(c.Messages); i++ {
		msg := c.Messages[i]
		if msg.Role != RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls() {
			ids[tc.ToolCallID] = struct{}{}
		}
	}
	return ids
}

// ToolCallsInState returns every tool-call part currently in state.
func (c *Conversation) ToolCallsInState(state ToolCallState) []*ToolCallPart {
	var out []*ToolCallPart
	for _, msg := range c.Messages {
		for _, tc := range msg.ToolCalls() {
			if tc.State == state {
				out = append(out, tc)
			}
		}
	}
	return out
}

// PendingToolCalls returns tool calls waiting for a result.
func (c *Conversation) PendingToolCalls() []*ToolCallPart {
	return c.ToolCallsInState(StateInputAvailable)
}

// =============================================================================
// ERRORS
// =============================================================================

// SetError records a conversation-visible error.
func (c *Conversation) SetError(e *ConversationError) {
	if e != nil && e.At.IsZero() {
		e.At = time.Now()
	}
	c.Error = e
	c.UpdatedAt = time.Now()
}

// ClearError removes the current error.
func (c *Conversation) ClearError() {
	c.Error = nil
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle auto-generates a title from the first user message if not set.
func (c *Conversation) updateTitle() {
	if c.Title != "" {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			c.Title = msg.Preview(50)
			return
		}
	}
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}

// ConversationMeta holds lightweight metadata for listing.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Messages = make([]*Message, len(c.Messages))
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	if c.Error != nil {
		e := *c.Error
		clone.Error = &e
	}
	return &clone
}

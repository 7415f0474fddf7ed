// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"log/slog"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/stream"
	"github.com/jeranaias/rigrun-turns/internal/tools"
	"github.com/jeranaias/rigrun-turns/internal/undo"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Request is everything a transport needs to produce one model response.
type Request struct {
	ChatID       string
	SystemPrompt string
	Messages     []*model.Message
	Snippets     []string
	Tools        []tools.Definition
	AccessToken  string
}

// ModelTransport opens a response stream for a request. The sequence stops
// yielding once ctx is cancelled.
type ModelTransport interface {
	Open(ctx context.Context, req Request) (stream.Sequence, error)
}

// ToolSet executes tools and advertises their schemas.
type ToolSet interface {
	tools.Registry
	Definitions() []tools.Definition
}

// CredentialProvider exchanges a refresh token for new credentials. It fails
// permanently when the refresh token itself is invalid.
type CredentialProvider interface {
	Refresh(ctx context.Context, refreshToken string) (model.Credentials, error)
}

// BroadcastSink receives a deep copy of the conversation after every
// committed mutation. It is never read back through.
type BroadcastSink interface {
	Commit(ctx context.Context, conv *model.Conversation) error
}

// ConversationDeleter is implemented by sinks that persist conversations.
type ConversationDeleter interface {
	Delete(ctx context.Context, chatID string) error
}

// LedgerSink is implemented by sinks that persist undo stacks.
type LedgerSink interface {
	SaveUndo(ctx context.Context, chatID string, entries []undo.Entry) error
}

// PromptBuilder supplies the system prompt for a conversation.
type PromptBuilder interface {
	SystemPrompt(ctx context.Context, conv *model.Conversation) (string, error)
}

// ContextSupplier returns read-only snippets to send along with a turn.
type ContextSupplier interface {
	Snippets(ctx context.Context, conv *model.Conversation) ([]string, error)
}

// TurnContext is caller-supplied context for one turn. It is reused for
// every recursion of that turn.
type TurnContext struct {
	// Snippets are sent in addition to those from the ContextSupplier.
	Snippets []string

	// SystemPrompt overrides the PromptBuilder when set.
	SystemPrompt string
}

// Dependencies are the collaborators a Controller is built from. Transport
// and Tools are required.
type Dependencies struct {
	Transport   ModelTransport
	Tools       ToolSet
	Credentials CredentialProvider
	Sink        BroadcastSink
	Prompts     PromptBuilder
	Context     ContextSupplier

	// Resolver reverts undo handles. Defaults to Tools when it implements
	// undo.Resolver.
	Resolver undo.Resolver

	Logger *slog.Logger
}

// PendingToolCall identifies a tool call still waiting for its result.
type PendingToolCall struct {
	ToolCallID string
	ToolName   string
	MessageID  string
}

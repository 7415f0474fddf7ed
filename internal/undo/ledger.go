// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

// ErrNotUserMessage is returned when a rewind targets a message that is not
// a user message.
var ErrNotUserMessage = errors.New("rewind target is not a user message")

// Entry is one reversible effect.
type Entry struct {
	ToolCallID string           `json:"tool_call_id"`
	Handle     model.UndoHandle `json:"handle"`
}

// Resolver reverses the effect described by an undo handle.
type Resolver interface {
	Revert(ctx context.Context, handle model.UndoHandle) error
}

// Ledger holds one stack of entries per conversation. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	stacks   map[string][]Entry
	resolver Resolver
	logger   *slog.Logger
}

// New creates a ledger that reverts entries through resolver.
func New(resolver Resolver, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{
		stacks:   make(map[string][]Entry),
		resolver: resolver,
		logger:   logger,
	}
}

// =============================================================================
// STACK OPERATIONS
// =============================================================================

// Push records an entry on top of the conversation's stack.
func (l *Ledger) Push(chatID string, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stacks[chatID] = append(l.stacks[chatID], e)
}

// Entries returns a copy of the stack, bottom first.
func (l *Ledger) Entries(chatID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.stacks[chatID]...)
}

// Len returns the stack depth.
func (l *Ledger) Len(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stacks[chatID])
}

// Restore replaces the stack of conv with entries loaded from storage.
// Entries whose tool call is no longer output-available in conv are
// skipped. It returns the number of entries kept.
func (l *Ledger) Restore(conv *model.Conversation, entries []Entry) int {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, part := conv.FindToolCall(e.ToolCallID); part != nil && part.State == model.StateOutputAvailable {
			kept = append(kept, e)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(kept) == 0 {
		delete(l.stacks, conv.ID)
	} else {
		l.stacks[conv.ID] = kept
	}
	if dropped := len(entries) - len(kept); dropped > 0 {
		l.logger.Warn("skipped undo entries without a completed tool call", "chat_id", conv.ID, "count", dropped)
	}
	return len(kept)
}

// Drop discards a conversation's stack without reverting anything. Used when
// the conversation itself is deleted.
func (l *Ledger) Drop(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.stacks[chatID])
	delete(l.stacks, chatID)
	return n
}

func (l *Ledger) peek(chatID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stack := l.stacks[chatID]
	if len(stack) == 0 {
		return Entry{}, false
	}
	return stack[len(stack)-1], true
}

// popIf removes the top entry when it still belongs to toolCallID.
func (l *Ledger) popIf(chatID, toolCallID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stack := l.stacks[chatID]
	if len(stack) == 0 || stack[len(stack)-1].ToolCallID != toolCallID {
		return
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(l.stacks, chatID)
		return
	}
	l.stacks[chatID] = stack
}

// prune removes entries whose ids are in ids and returns them.
func (l *Ledger) prune(chatID string, ids map[string]struct{}) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kept, removed []Entry
	for _, e := range l.stacks[chatID] {
		if _, ok := ids[e.ToolCallID]; ok {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(l.stacks, chatID)
	} else {
		l.stacks[chatID] = kept
	}
	return removed
}

// =============================================================================
// REVERSAL
// =============================================================================

// Discard reverts an effect whose tool result could not be applied to the
// transcript (the call was aborted or timed out first). The entry never
// reaches the stack.
func (l *Ledger) Discard(ctx context.Context, e Entry) error {
	if err := l.resolver.Revert(ctx, e.Handle); err != nil {
		return &errclass.UndoError{ToolCallID: e.ToolCallID, Err: err}
	}
	l.logger.Debug("reverted orphaned tool effect", "tool_call_id", e.ToolCallID, "tool", e.Handle.Tool)
	return nil
}

// RewindTo reverts every effect recorded after userMessageID and truncates
// conv to end at that message. A missing target is a no-op; a target that is
// not a user message is refused with ErrNotUserMessage before anything is
// reverted. Reverts run sequentially, most recent first; the first failure
// aborts the rewind with an *errclass.UndoError and leaves conv untouched.
func (l *Ledger) RewindTo(ctx context.Context, conv *model.Conversation, userMessageID string) error {
	idx := conv.MessageIndex(userMessageID)
	if idx < 0 {
		return nil
	}
	if role := conv.Messages[idx].Role; role != model.RoleUser {
		return fmt.Errorf("%w: %s is a %s message", ErrNotUserMessage, userMessageID, role)
	}
	after := conv.ToolCallIDsAfter(idx)

	reverted := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		top, ok := l.peek(conv.ID)
		if !ok {
			break
		}
		if _, in := after[top.ToolCallID]; !in {
			break
		}
		if err := l.resolver.Revert(ctx, top.Handle); err != nil {
			l.logger.Error("undo failed", "chat_id", conv.ID, "tool_call_id", top.ToolCallID, "error", err)
			return &errclass.UndoError{ToolCallID: top.ToolCallID, Err: err}
		}
		l.popIf(conv.ID, top.ToolCallID)
		reverted++
	}

	// Entries below a foreign entry cannot be reached by popping; they
	// belong to truncated messages and must not outlive them.
	if stale := l.prune(conv.ID, after); len(stale) > 0 {
		l.logger.Warn("dropped out-of-order undo entries", "chat_id", conv.ID, "count", len(stale))
	}

	conv.TruncateAfter(userMessageID)
	l.logger.Info("rewound conversation", "chat_id", conv.ID, "target", userMessageID, "reverted", reverted)
	return nil
}

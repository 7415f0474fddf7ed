// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

// SurfacedError is a turn failure that was recorded on the conversation.
type SurfacedError struct {
	ChatID string
	Class  errclass.Classification
}

// Error implements the error interface.
func (e *SurfacedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class.Category, e.Class.Message)
}

// Unwrap returns the classified error.
func (e *SurfacedError) Unwrap() error {
	return e.Class.Err
}

// finish applies the recovery action for err and frees the active slot.
func (c *Controller) finish(ctx context.Context, t *turnRun, err error, elapsed time.Duration) error {
	if err == nil && c.release(t.generation) {
		c.logger.Info("turn completed", "chat_id", t.chatID, "recursions", t.depth, "duration", elapsed)
		return nil
	}

	if err != nil {
		cls := errclass.Classify(err)
		if ctx.Err() != nil {
			// Transports report a torn-down connection in their own words.
			cls.Category = errclass.CategoryCancelled
		}

		if cls.Surfaced() {
			c.logger.Warn("turn failed",
				"chat_id", t.chatID,
				"category", cls.Category,
				"cooldown", cls.Cooldown,
				"error", err,
			)
			surface := func(conv *model.Conversation) { conv.SetError(conversationError(cls)) }
			if c.stop(t.generation, err, surface) {
				return &SurfacedError{ChatID: t.chatID, Class: cls}
			}
		} else if c.stop(t.generation, context.Cause(ctx), nil) {
			// Cancelled: nothing is shown. The retry budget lives on t and
			// goes away with it.
			c.logger.Info("turn cancelled", "chat_id", t.chatID, "duration", elapsed)
			return nil
		}
	}

	// The slot was taken away by AbortActiveTurn or the watchdog, which
	// already cleaned up. Only an expired watchdog is a failure.
	if cause := context.Cause(ctx); errors.Is(cause, ErrWatchdogExpired) {
		c.logger.Warn("turn stopped by watchdog", "chat_id", t.chatID, "duration", elapsed)
		return &SurfacedError{ChatID: t.chatID, Class: errclass.Classification{
			Category: errclass.CategoryGeneric,
			Message:  cause.Error(),
			Err:      cause,
		}}
	}
	c.logger.Info("turn cancelled", "chat_id", t.chatID, "duration", elapsed)
	return nil
}

// refreshCredentials exchanges the current refresh token for new
// credentials. Any failure other than cancellation is reported as expired
// authentication.
func (c *Controller) refreshCredentials(ctx context.Context) error {
	if c.creds == nil {
		return fmt.Errorf("%w: no credential provider configured", errclass.ErrAuthExpired)
	}

	c.mu.Lock()
	refreshToken := c.credentials.RefreshToken
	c.mu.Unlock()

	fresh, err := c.creds.Refresh(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("%w: credential refresh failed: %w", errclass.ErrAuthExpired, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}
	c.SetCredentials(fresh)
	c.logger.Info("credentials refreshed", "expires_at", fresh.ExpiresAt)
	return nil
}

func conversationError(cls errclass.Classification) *model.ConversationError {
	return &model.ConversationError{
		Kind:       string(cls.Category),
		Message:    cls.Message,
		Cooldown:   cls.Cooldown,
		ToolCallID: cls.ToolCallID,
	}
}

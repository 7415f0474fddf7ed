// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Category
		retryable bool
		cooldown  time.Duration
	}{
		{"nil", nil, CategoryGeneric, false, 0},
		{"cancelled", context.Canceled, CategoryCancelled, false, 0},
		{"wrapped cancel", fmt.Errorf("stream: %w", context.Canceled), CategoryCancelled, false, 0},
		{"quota typed", &QuotaError{Cooldown: 30 * time.Second}, CategoryQuotaExceeded, false, 30 * time.Second},
		{"quota sentinel", fmt.Errorf("%w: slow down", ErrQuotaExceeded), CategoryQuotaExceeded, false, 0},
		{"auth", fmt.Errorf("%w: 401", ErrAuthExpired), CategoryAuthExpired, true, 0},
		{"credits", ErrInsufficientCredits, CategoryInsufficientCredits, false, 0},
		{"status 429", statusErr(429), CategoryQuotaExceeded, false, 0},
		{"status 401", statusErr(401), CategoryAuthExpired, true, 0},
		{"status 402", statusErr(402), CategoryInsufficientCredits, false, 0},
		{"transport", &TransportError{Status: 502, Message: "bad gateway"}, CategoryTransport, false, 0},
		{"transport 429", &TransportError{Status: 429, Message: "slow"}, CategoryQuotaExceeded, false, 0},
		{"deadline", context.DeadlineExceeded, CategoryTransport, false, 0},
		{"undo", &UndoError{ToolCallID: "call_1", Err: errors.New("disk full")}, CategoryUndoFailure, false, 0},
		{"recursion", fmt.Errorf("%w: depth 25", ErrRecursionLimit), CategoryRecursionLimit, false, 0},
		{"text rate limit", errors.New("Rate limit reached, retry after 12 seconds"), CategoryQuotaExceeded, false, 12 * time.Second},
		{"text unauthorized", errors.New("provider said: Unauthorized"), CategoryAuthExpired, true, 0},
		{"text credits", errors.New("Insufficient credits on account"), CategoryInsufficientCredits, false, 0},
		{"unknown", errors.New("something odd"), CategoryGeneric, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Equal(t, tt.cooldown, got.Cooldown)
		})
	}
}

func TestClassify_UndoCarriesToolCallID(t *testing.T) {
	c := Classify(fmt.Errorf("rewind: %w", &UndoError{ToolCallID: "call_9", Err: errors.New("boom")}))
	assert.Equal(t, "call_9", c.ToolCallID)
	assert.True(t, c.Surfaced())
}

func TestClassify_CancelledNotSurfaced(t *testing.T) {
	assert.False(t, Classify(context.Canceled).Surfaced())
}

func TestQuotaError_Is(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &QuotaError{Cooldown: time.Minute})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "retry after 1m0s")
}

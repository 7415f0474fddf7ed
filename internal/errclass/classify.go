// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errclass

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category is a recovery category.
type Category string

const (
	CategoryCancelled           Category = "Cancelled"
	CategoryQuotaExceeded       Category = "QuotaExceeded"
	CategoryAuthExpired         Category = "AuthExpired"
	CategoryInsufficientCredits Category = "InsufficientCredits"
	CategoryTransport           Category = "TransportError"
	CategoryUndoFailure         Category = "UndoFailure"
	CategoryRecursionLimit      Category = "RecursionLimit"
	CategoryGeneric             Category = "Generic"
)

// Classification is the result of Classify.
type Classification struct {
	Category Category

	// Retryable is true only for AuthExpired, which may be replayed after a
	// credential refresh.
	Retryable bool

	// Payload
	Cooldown   time.Duration
	Message    string
	ToolCallID string

	// Err is the classified error.
	Err error
}

// Surfaced reports whether the category is shown on the conversation.
// AuthExpired within its retry bound is decided by the caller.
func (c Classification) Surfaced() bool {
	return c.Category != CategoryCancelled
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

var retryAfterPattern = regexp.MustCompile(`retry[ _-]?after[:= ]+(\d+)`)

// Classify maps err to a recovery category. It never fails.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryGeneric, Message: "unknown error"}
	}
	c := Classification{Err: err, Message: err.Error()}

	var undoErr *UndoError
	if errors.As(err, &undoErr) {
		c.Category = CategoryUndoFailure
		c.ToolCallID = undoErr.ToolCallID
		return c
	}

	if errors.Is(err, context.Canceled) {
		c.Category = CategoryCancelled
		return c
	}

	if errors.Is(err, ErrRecursionLimit) {
		c.Category = CategoryRecursionLimit
		return c
	}

	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		c.Category = CategoryQuotaExceeded
		c.Cooldown = quotaErr.Cooldown
		return c
	}

	switch {
	case errors.Is(err, ErrQuotaExceeded):
		c.Category = CategoryQuotaExceeded
		return c
	case errors.Is(err, ErrAuthExpired):
		c.Category = CategoryAuthExpired
		c.Retryable = true
		return c
	case errors.Is(err, ErrInsufficientCredits):
		c.Category = CategoryInsufficientCredits
		return c
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if cat, ok := categoryForStatus(sc.StatusCode()); ok {
			c.Category = cat
			c.Retryable = cat == CategoryAuthExpired
			return c
		}
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		if cat, ok := categoryForStatus(transportErr.Status); ok {
			c.Category = cat
			c.Retryable = cat == CategoryAuthExpired
			return c
		}
		c.Category = CategoryTransport
		return c
	}

	if errors.Is(err, context.DeadlineExceeded) {
		c.Category = CategoryTransport
		return c
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		c.Category = CategoryTransport
		return c
	}

	return classifyMessage(c)
}

// categoryForStatus maps HTTP status codes that have a dedicated category.
func categoryForStatus(status int) (Category, bool) {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CategoryAuthExpired, true
	case http.StatusPaymentRequired:
		return CategoryInsufficientCredits, true
	case http.StatusTooManyRequests:
		return CategoryQuotaExceeded, true
	}
	return "", false
}

// classifyMessage is the fallback for providers that only return text.
func classifyMessage(c Classification) Classification {
	msg := strings.ToLower(c.Message)

	switch {
	case strings.Contains(msg, "context canceled"):
		c.Category = CategoryCancelled
	case containsAny(msg, "insufficient credit", "insufficient_quota", "insufficient balance", "payment required", "status 402", "(402)"):
		c.Category = CategoryInsufficientCredits
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "quota", "status 429", "(429)"):
		c.Category = CategoryQuotaExceeded
		c.Cooldown = parseCooldown(msg)
	case containsAny(msg, "unauthorized", "token expired", "invalid_token", "invalid api key", "status 401", "(401)"):
		c.Category = CategoryAuthExpired
		c.Retryable = true
	default:
		c.Category = CategoryGeneric
	}
	return c
}

func parseCooldown(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

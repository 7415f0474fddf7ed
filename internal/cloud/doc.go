// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the model transports a turn controller streams
// responses from.
//
// # Key Types
//
//   - Client: OpenRouter chat completions over SSE, with tool calling
//   - GollmTransport: text-only access to other providers through gollm
//   - SSEReader: Server-Sent Events parser
//
// Both transports implement turn.ModelTransport. Open returns a lazy
// stream.Sequence; nothing is read from the network until the consumer
// pulls.
//
// # Errors
//
// HTTP failures are mapped onto the errclass vocabulary: 401 and 403 wrap
// errclass.ErrAuthExpired, 402 wraps errclass.ErrInsufficientCredits, 429
// becomes an errclass.QuotaError carrying the Retry-After cooldown, and
// anything else an errclass.TransportError. 5xx responses and connection
// failures are retried with exponential backoff before the stream starts.
//
// # Usage
//
//	client := cloud.NewClient(apiKey).WithModel("anthropic/claude-3.5-sonnet")
//	ctrl, err := turn.New(turn.Dependencies{Transport: client, ...}, turn.DefaultOptions())
//
// API keys and access tokens are never logged.
package cloud

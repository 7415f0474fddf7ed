// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the rigrun-turns command tree.
//
// Every command loads the config, opens the conversation store and builds a
// turn controller for the duration of the invocation. Conversations and
// their undo ledgers are reloaded from storage, so a rewind in one
// invocation can undo tool effects from an earlier one.
//
// # Commands Overview
//
//   - ask [--chat ID] PROMPT: run one turn, streaming the answer
//   - rewind CHAT MESSAGE: revert tool effects after a user message
//   - pending CHAT: list tool calls waiting for a result
//   - chats [--search Q]: list stored conversations
//   - config init|show|get: manage the config file
//   - auth set|status|clear: manage the sealed OAuth token file
//
// # Exit Codes
//
// Errors map to exit codes by category: 2 usage, 3 config, 4 auth or
// credits, 5 transport, 6 turn already running, 7 not found, 8 quota.
package cli

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package undo keeps the per-conversation stack of reversible tool effects.
//
// Entries are plain values: a tool call id plus the model.UndoHandle the tool
// returned. Reverting an entry looks the handle up through a Resolver (the
// tool catalog), so the ledger never holds closures over tool state.
//
// RewindTo pops entries most-recent-first while they belong to messages
// after the rewind target, awaiting each revert, then truncates the
// transcript. A failed revert stops the rewind and leaves the failing entry
// on the stack.
package undo

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool catalog and the concurrent dispatcher
// used by the turn controller.
//
// # Key Types
//
//   - Tool: Tool definition with name, description, schema and executor
//   - Catalog: Registry of tools; also reverts undo handles
//   - Dispatcher: Runs one step's tool calls concurrently under per-call timeouts
//   - Outcome: A successful execution, optionally carrying an undo handle
//
// # Available Tools
//
// File Tools:
//   - read_file: Read file contents with workspace confinement
//   - write_file: Write files atomically; undoable
//   - delete_file: Delete files; undoable
//
// # Settlement
//
// Every dispatched call settles exactly once: by finishing, by its timer
// firing, or by the dispatch context being cancelled. A success that loses
// that race is discarded and, when it carries an undo handle, reverted.
//
// # Security
//
// File tools resolve paths through ResolveWorkspacePath, which follows
// symlinks before checking containment and refuses sensitive file names.
package tools

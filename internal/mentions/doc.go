// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mentions expands @file references into context snippets.
//
// Syntax:
//
//	@file:path/to/file.go
//	@file:"path with spaces.txt"
//	@file:'single quoted.txt'
//
// Supplier implements turn.ContextSupplier: it reads every file mentioned
// in the latest user message once per turn, through an LRU cache that is
// invalidated when a file's modification time or size changes.
package mentions

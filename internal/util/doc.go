// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigrun-turns.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file replacement (temp file, fsync, rename)
//   - AtomicWriteFileWithDir: Same, with explicit permissions for created directories
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth, PadRight, StringWidth: terminal column aware formatting
//
// # Usage
//
//	// Tool output previews
//	preview := util.TruncateRunes(text, 80)
//
//	// Sealed credential files
//	err := util.AtomicWriteFileWithDir(path, sealed, 0600, 0700)
package util

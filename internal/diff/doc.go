// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package diff computes line diffs for file-changing tools.
//
// Lines are matched with diffmatchpatch in line mode, then grouped into
// unified-diff hunks with ContextLines of surrounding context.
//
//	d := diff.ComputeDiff("main.go", oldContent, newContent)
//	fmt.Println(d.Summary())
//	fmt.Print(diff.FormatUnifiedDiff(d))
package diff

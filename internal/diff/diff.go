// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package diff provides diff computation and formatting for file changes.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// =============================================================================
// DIFF TYPES
// =============================================================================

// DiffLineType represents the type of a diff line.
type DiffLineType int

const (
	// DiffLineContext represents unchanged context lines
	DiffLineContext DiffLineType = iota
	// DiffLineAdded represents added lines
	DiffLineAdded
	// DiffLineRemoved represents removed lines
	DiffLineRemoved
)

// String returns the string representation of a diff line type.
func (t DiffLineType) String() string {
	switch t {
	case DiffLineContext:
		return "context"
	case DiffLineAdded:
		return "added"
	case DiffLineRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Prefix returns the diff prefix character for this line type.
func (t DiffLineType) Prefix() string {
	switch t {
	case DiffLineAdded:
		return "+"
	case DiffLineRemoved:
		return "-"
	default:
		return " "
	}
}

// DiffLine represents a single line in a diff.
type DiffLine struct {
	Type    DiffLineType // Type of line (added, removed, context)
	Content string       // The actual line content
	OldLine int          // Line number in old file (0 if added)
	NewLine int          // Line number in new file (0 if removed)
}

// DiffHunk represents a contiguous section of changes.
type DiffHunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []DiffLine
}

// DiffStats holds statistics about a diff.
type DiffStats struct {
	Additions int    // Number of added lines
	Deletions int    // Number of removed lines
	FileMode  string // "new", "modified", "deleted"
}

// Diff represents a complete file diff.
type Diff struct {
	FilePath string
	Hunks    []DiffHunk
	Stats    DiffStats
}

// ContextLines is the number of unchanged lines kept around each change.
const ContextLines = 3

// =============================================================================
// DIFF COMPUTATION
// =============================================================================

// ComputeDiff creates a line diff between old and new content.
func ComputeDiff(filePath, oldContent, newContent string) *Diff {
	d := &Diff{FilePath: filePath}

	switch {
	case oldContent == "" && newContent != "":
		d.Stats.FileMode = "new"
	case oldContent != "" && newContent == "":
		d.Stats.FileMode = "deleted"
	default:
		d.Stats.FileMode = "modified"
	}

	lines := lineDiff(oldContent, newContent)
	for _, line := range lines {
		switch line.Type {
		case DiffLineAdded:
			d.Stats.Additions++
		case DiffLineRemoved:
			d.Stats.Deletions++
		}
	}
	d.Hunks = groupIntoHunks(lines, ContextLines)
	return d
}

// withTrailingNewline makes the last line compare equal whether or not the
// file ends in a newline.
func withTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// lineDiff runs diffmatchpatch in line mode and numbers the result.
func lineDiff(oldContent, newContent string) []DiffLine {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(withTrailingNewline(oldContent), withTrailingNewline(newContent))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lineArray)

	var out []DiffLine
	oldLine, newLine := 1, 1
	for _, chunk := range diffs {
		texts := strings.Split(chunk.Text, "\n")
		if len(texts) > 0 && texts[len(texts)-1] == "" {
			texts = texts[:len(texts)-1]
		}
		for _, text := range texts {
			switch chunk.Type {
			case diffmatchpatch.DiffEqual:
				out = append(out, DiffLine{Type: DiffLineContext, Content: text, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				out = append(out, DiffLine{Type: DiffLineRemoved, Content: text, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				out = append(out, DiffLine{Type: DiffLineAdded, Content: text, NewLine: newLine})
				newLine++
			}
		}
	}
	return out
}

// groupIntoHunks cuts the line list into hunks, keeping context lines of
// unchanged text around each change and merging hunks whose context overlaps.
func groupIntoHunks(lines []DiffLine, context int) []DiffHunk {
	var hunks []DiffHunk
	start, end := -1, -1

	flush := func() {
		if start < 0 {
			return
		}
		hunks = append(hunks, makeHunk(lines[start:end+1]))
		start, end = -1, -1
	}

	for i, line := range lines {
		if line.Type == DiffLineContext {
			continue
		}
		lo := max(0, i-context)
		hi := min(len(lines)-1, i+context)
		if start >= 0 && lo > end+1 {
			flush()
		}
		if start < 0 {
			start = lo
		}
		end = max(end, hi)
	}
	flush()
	return hunks
}

func makeHunk(lines []DiffLine) DiffHunk {
	h := DiffHunk{Lines: append([]DiffLine(nil), lines...)}
	for _, line := range lines {
		if line.OldLine > 0 {
			if h.OldStart == 0 {
				h.OldStart = line.OldLine
			}
			h.OldCount++
		}
		if line.NewLine > 0 {
			if h.NewStart == 0 {
				h.NewStart = line.NewLine
			}
			h.NewCount++
		}
	}
	return h
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatUnifiedDiff returns the diff in standard unified diff format.
func FormatUnifiedDiff(d *Diff) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n", d.FilePath)
	fmt.Fprintf(&sb, "+++ b/%s\n", d.FilePath)
	for _, hunk := range d.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", hunk.OldStart, hunk.OldCount, hunk.NewStart, hunk.NewCount)
		for _, line := range hunk.Lines {
			sb.WriteString(line.Type.Prefix())
			sb.WriteString(line.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Summary returns a human-readable summary of the diff.
func (d *Diff) Summary() string {
	var parts []string
	switch d.Stats.FileMode {
	case "new":
		parts = append(parts, "New file")
	case "deleted":
		parts = append(parts, "File deleted")
	default:
		parts = append(parts, "Modified")
	}
	if d.Stats.Additions > 0 {
		parts = append(parts, fmt.Sprintf("+%d", d.Stats.Additions))
	}
	if d.Stats.Deletions > 0 {
		parts = append(parts, fmt.Sprintf("-%d", d.Stats.Deletions))
	}
	return strings.Join(parts, " ")
}

// IsEmpty reports whether old and new content were identical.
func (d *Diff) IsEmpty() bool {
	return d.Stats.Additions == 0 && d.Stats.Deletions == 0
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package diff

import (
	"fmt"
	"strings"
	"testing"
)

func TestComputeDiff_NewFile(t *testing.T) {
	d := ComputeDiff("test.txt", "", "line1\nline2\nline3")

	if d.Stats.FileMode != "new" {
		t.Errorf("Expected FileMode 'new', got '%s'", d.Stats.FileMode)
	}
	if d.Stats.Additions != 3 {
		t.Errorf("Expected 3 additions, got %d", d.Stats.Additions)
	}
	if d.Stats.Deletions != 0 {
		t.Errorf("Expected 0 deletions, got %d", d.Stats.Deletions)
	}
}

func TestComputeDiff_DeletedFile(t *testing.T) {
	d := ComputeDiff("test.txt", "line1\nline2\nline3", "")

	if d.Stats.FileMode != "deleted" {
		t.Errorf("Expected FileMode 'deleted', got '%s'", d.Stats.FileMode)
	}
	if d.Stats.Deletions != 3 {
		t.Errorf("Expected 3 deletions, got %d", d.Stats.Deletions)
	}
}

func TestComputeDiff_TrailingNewlineIgnored(t *testing.T) {
	d := ComputeDiff("test.txt", "line1\nline2\nline3", "line1\nmodified\nline3\nline4")

	if d.Stats.Additions != 2 {
		t.Errorf("Expected 2 additions, got %d", d.Stats.Additions)
	}
	if d.Stats.Deletions != 1 {
		t.Errorf("Expected 1 deletion, got %d", d.Stats.Deletions)
	}
}

func TestComputeDiff_Identical(t *testing.T) {
	d := ComputeDiff("same.txt", "a\nb\n", "a\nb\n")
	if !d.IsEmpty() {
		t.Errorf("Expected empty diff, got %s", d.Summary())
	}
	if len(d.Hunks) != 0 {
		t.Errorf("Expected no hunks, got %d", len(d.Hunks))
	}
}

func TestGroupIntoHunks_SeparatesDistantChanges(t *testing.T) {
	var oldLines, newLines []string
	for i := 0; i < 20; i++ {
		oldLines = append(oldLines, fmt.Sprintf("line%d", i))
		newLines = append(newLines, fmt.Sprintf("line%d", i))
	}
	newLines[1] = "changed-top"
	newLines[18] = "changed-bottom"

	d := ComputeDiff("f.txt", strings.Join(oldLines, "\n"), strings.Join(newLines, "\n"))
	if len(d.Hunks) != 2 {
		t.Fatalf("Expected 2 hunks, got %d", len(d.Hunks))
	}
	if d.Hunks[0].OldStart != 1 {
		t.Errorf("Expected first hunk to start at line 1, got %d", d.Hunks[0].OldStart)
	}
}

func TestFormatUnifiedDiff(t *testing.T) {
	d := ComputeDiff("file.txt", "line1\nline2\nline3", "line1\nmodified\nline3")
	got := FormatUnifiedDiff(d)

	for _, want := range []string{"--- a/file.txt", "+++ b/file.txt", "@@ -1,3 +1,3 @@", "-line2", "+modified", " line1"} {
		if !strings.Contains(got, want) {
			t.Errorf("unified diff missing %q:\n%s", want, got)
		}
	}
}

func TestSummary(t *testing.T) {
	d := ComputeDiff("f", "a\nb", "a\nc\nd")
	if got := d.Summary(); got != "Modified +2 -1" {
		t.Errorf("Summary() = %q", got)
	}
}

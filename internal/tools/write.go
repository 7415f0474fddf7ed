// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jeranaias/rigrun-turns/internal/diff"
	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/util"
)

// maxWriteSize caps content accepted by write_file.
const maxWriteSize = 10 * 1024 * 1024

// WriteFileTool creates or overwrites a file and can undo the write.
var WriteFileTool = &Tool{
	Name:        "write_file",
	Description: "Create or overwrite a file in the workspace with the given content.",
	Schema: Schema{Parameters: []Parameter{
		{Name: "path", Type: "string", Required: true, Description: "File path relative to the workspace"},
		{Name: "content", Type: "string", Required: true, Description: "Full new file content"},
	}},
	RiskLevel: RiskMedium,
	Executor:  &WriteExecutor{},
	Reverter:  fileReverter{},
}

// DeleteFileTool removes a file and can restore it.
var DeleteFileTool = &Tool{
	Name:        "delete_file",
	Description: "Delete a file from the workspace.",
	Schema: Schema{Parameters: []Parameter{
		{Name: "path", Type: "string", Required: true, Description: "File path relative to the workspace"},
	}},
	RiskLevel: RiskMedium,
	Executor:  &DeleteExecutor{},
	Reverter:  fileReverter{},
}

// fileSnapshot is the undo state of a file tool: what the file looked like
// before the tool ran.
type fileSnapshot struct {
	Existed bool        `json:"existed"`
	Content []byte      `json:"content,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
}

func snapshotFile(path string) (fileSnapshot, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileSnapshot{}, nil
	}
	if err != nil {
		return fileSnapshot{}, err
	}
	if info.IsDir() {
		return fileSnapshot{}, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileSnapshot{}, err
	}
	return fileSnapshot{Existed: true, Content: data, Mode: info.Mode().Perm()}, nil
}

func undoHandle(tool, path string, snap fileSnapshot) (*model.UndoHandle, error) {
	state, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return &model.UndoHandle{Tool: tool, Ref: path, State: state}, nil
}

// =============================================================================
// WRITE EXECUTOR
// =============================================================================

// WriteExecutor implements write_file.
type WriteExecutor struct{}

// Execute writes the file atomically and returns a diff summary.
func (e *WriteExecutor) Execute(ctx context.Context, params map[string]any, env Env) (Outcome, error) {
	rel := getStringParam(params, "path", "")
	content := getStringParam(params, "content", "")

	path, err := ResolveWorkspacePath(env.WorkDir, rel)
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: err.Error()}
	}
	if len(content) > maxWriteSize {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: "content too large"}
	}

	snap, err := snapshotFile(path)
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrFailed, Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	mode := fs.FileMode(0644)
	if snap.Existed {
		mode = snap.Mode
	}
	if err := util.AtomicWriteFile(path, []byte(content), mode); err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrFailed, Message: err.Error()}
	}

	handle, err := undoHandle(WriteFileTool.Name, path, snap)
	if err != nil {
		return Outcome{}, err
	}

	d := diff.ComputeDiff(rel, string(snap.Content), content)
	output := d.Summary() + " " + rel
	if !d.IsEmpty() {
		output += "\n" + diff.FormatUnifiedDiff(d)
	}
	return Outcome{Output: output, Undo: handle}, nil
}

// =============================================================================
// DELETE EXECUTOR
// =============================================================================

// DeleteExecutor implements delete_file.
type DeleteExecutor struct{}

// Execute removes the file after snapshotting it.
func (e *DeleteExecutor) Execute(ctx context.Context, params map[string]any, env Env) (Outcome, error) {
	rel := getStringParam(params, "path", "")
	path, err := ResolveWorkspacePath(env.WorkDir, rel)
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: err.Error()}
	}

	snap, err := snapshotFile(path)
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrFailed, Message: err.Error()}
	}
	if !snap.Existed {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: "file does not exist: " + rel}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := os.Remove(path); err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrFailed, Message: err.Error()}
	}

	handle, err := undoHandle(DeleteFileTool.Name, path, snap)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Output: fmt.Sprintf("Deleted %s (%d bytes)", rel, len(snap.Content)), Undo: handle}, nil
}

// =============================================================================
// REVERTER
// =============================================================================

// fileReverter restores a file to its snapshot.
type fileReverter struct{}

// Revert implements Reverter.
func (fileReverter) Revert(_ context.Context, handle model.UndoHandle) error {
	var snap fileSnapshot
	if err := json.Unmarshal(handle.State, &snap); err != nil {
		return fmt.Errorf("decode undo state: %w", err)
	}
	if !filepath.IsAbs(handle.Ref) {
		return fmt.Errorf("undo handle path is not absolute: %s", handle.Ref)
	}
	if !snap.Existed {
		if err := os.Remove(handle.Ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	mode := snap.Mode
	if mode == 0 {
		mode = 0644
	}
	return util.AtomicWriteFile(handle.Ref, snap.Content, mode)
}

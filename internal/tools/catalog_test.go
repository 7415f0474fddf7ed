// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-turns/internal/model"
)

func toolErr(t *testing.T, err error) *model.ToolError {
	t.Helper()
	var te *model.ToolError
	require.True(t, errors.As(err, &te), "expected ToolError, got %v", err)
	return te
}

func TestCatalog_Builtins(t *testing.T) {
	c := NewCatalog(t.TempDir())

	names := make([]string, 0)
	for _, d := range c.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"delete_file", "read_file", "write_file"}, names)
	assert.Equal(t, RiskLow, c.Get("read_file").RiskLevel)
	assert.Nil(t, c.Get("nope"))
}

func TestCatalog_UnknownToolSuggestsClosest(t *testing.T) {
	c := NewCatalog(t.TempDir())

	_, err := c.Execute(context.Background(), "read_fil", nil, Env{})
	te := toolErr(t, err)
	assert.Equal(t, model.ToolErrUnknownTool, te.Code)
	assert.Contains(t, te.Message, "did you mean read_file?")

	_, err = c.Execute(context.Background(), "launch_rockets", nil, Env{})
	te = toolErr(t, err)
	assert.NotContains(t, te.Message, "did you mean")
}

func TestCatalog_ValidatesInput(t *testing.T) {
	c := NewCatalog(t.TempDir())

	_, err := c.Execute(context.Background(), "write_file", map[string]any{"path": "a.txt"}, Env{})
	te := toolErr(t, err)
	assert.Equal(t, model.ToolErrInvalidInput, te.Code)
	assert.Contains(t, te.Message, "content")

	_, err = c.Execute(context.Background(), "read_file", map[string]any{"path": 42}, Env{})
	te = toolErr(t, err)
	assert.Equal(t, "path: expected string", te.Message)
}

func TestCatalog_ReadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("one\ntwo\nthree\n"), 0644))
	c := NewCatalog(root)

	out, err := c.Execute(context.Background(), "read_file", map[string]any{"path": "notes.txt", "offset": float64(2), "limit": float64(1)}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "     2\ttwo\n", out.Output)
	assert.Nil(t, out.Undo)
}

func TestCatalog_WriteAndRevert(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0600))
	c := NewCatalog(root)
	ctx := context.Background()

	out, err := c.Execute(ctx, "write_file", map[string]any{"path": "main.go", "content": "package app\n"}, Env{})
	require.NoError(t, err)
	require.NotNil(t, out.Undo)
	assert.Equal(t, "write_file", out.Undo.Tool)
	assert.Contains(t, out.Output, "Modified +1 -1 main.go")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package app\n", string(data))

	require.NoError(t, c.Revert(ctx, *out.Undo))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCatalog_RevertOfNewFileRemovesIt(t *testing.T) {
	root := t.TempDir()
	c := NewCatalog(root)
	ctx := context.Background()

	out, err := c.Execute(ctx, "write_file", map[string]any{"path": "dir/new.txt", "content": "hi"}, Env{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "dir", "new.txt"))

	require.NoError(t, c.Revert(ctx, *out.Undo))
	assert.NoFileExists(t, filepath.Join(root, "dir", "new.txt"))

	// Reverting twice is harmless.
	require.NoError(t, c.Revert(ctx, *out.Undo))
}

func TestCatalog_DeleteAndRevert(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "old.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0644))
	c := NewCatalog(root)
	ctx := context.Background()

	out, err := c.Execute(ctx, "delete_file", map[string]any{"path": "old.txt"}, Env{})
	require.NoError(t, err)
	assert.NoFileExists(t, path)

	require.NoError(t, c.Revert(ctx, *out.Undo))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))

	_, err = c.Execute(ctx, "delete_file", map[string]any{"path": "missing.txt"}, Env{})
	assert.Equal(t, model.ToolErrInvalidInput, toolErr(t, err).Code)
}

func TestCatalog_RevertUnknownTool(t *testing.T) {
	c := NewCatalog(t.TempDir())

	err := c.Revert(context.Background(), model.UndoHandle{Tool: "read_file"})
	assert.ErrorIs(t, err, ErrNoReverter)

	err = c.Revert(context.Background(), model.UndoHandle{Tool: "ghost"})
	assert.ErrorIs(t, err, ErrNoReverter)
}

func TestCatalog_WriteOutsideWorkspaceRejected(t *testing.T) {
	c := NewCatalog(t.TempDir())

	_, err := c.Execute(context.Background(), "write_file", map[string]any{"path": "../x.txt", "content": "x"}, Env{})
	te := toolErr(t, err)
	assert.Equal(t, model.ToolErrInvalidInput, te.Code)
	assert.Contains(t, te.Message, "escapes the workspace")
}

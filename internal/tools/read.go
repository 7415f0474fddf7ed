// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/rigrun-turns/internal/model"
)

// ReadFileTool reads a text file from the workspace.
var ReadFileTool = &Tool{
	Name:        "read_file",
	Description: "Read a text file from the workspace. Optional offset/limit select a line range.",
	Schema: Schema{Parameters: []Parameter{
		{Name: "path", Type: "string", Required: true, Description: "File path relative to the workspace"},
		{Name: "offset", Type: "number", Description: "First line to return (1-based)"},
		{Name: "limit", Type: "number", Description: "Maximum number of lines"},
	}},
	RiskLevel: RiskLow,
	Executor:  &ReadExecutor{MaxFileSize: 5 * 1024 * 1024},
}

// ReadExecutor implements read_file.
type ReadExecutor struct {
	MaxFileSize int64
}

// Execute reads the file and returns numbered lines.
func (e *ReadExecutor) Execute(ctx context.Context, params map[string]any, env Env) (Outcome, error) {
	path, err := ResolveWorkspacePath(env.WorkDir, getStringParam(params, "path", ""))
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: err.Error()}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrFailed, Message: err.Error()}
	}
	if info.IsDir() {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: "path is a directory"}
	}
	if e.MaxFileSize > 0 && info.Size() > e.MaxFileSize {
		return Outcome{}, &model.ToolError{Code: model.ToolErrInvalidInput, Message: fmt.Sprintf("file too large (%d bytes)", info.Size())}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Outcome{}, &model.ToolError{Code: model.ToolErrFailed, Message: err.Error()}
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	offset := max(getIntParam(params, "offset", 1), 1)
	limit := getIntParam(params, "limit", len(lines))

	var sb strings.Builder
	for i := offset - 1; i < len(lines) && i < offset-1+limit; i++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, lines[i])
	}
	return Outcome{Output: sb.String()}, nil
}

func getStringParam(params map[string]any, name, defaultVal string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return defaultVal
}

func getIntParam(params map[string]any, name string, defaultVal int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}

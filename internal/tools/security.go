// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecurityError reports a path rejected by workspace confinement.
type SecurityError struct {
	Type    string
	Path    string
	Message string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("security: %s: %s", e.Message, e.Path)
}

// SensitiveFilePatterns are file names file tools never touch.
var SensitiveFilePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"credentials.json",
	"secrets.json",
	".netrc",
	"id_rsa",
	"id_ed25519",
}

// ResolveWorkspacePath resolves p against root and rejects anything that
// escapes root once symlinks are resolved.
func ResolveWorkspacePath(root, p string) (string, error) {
	if p == "" {
		return "", &SecurityError{Type: "empty_path", Path: p, Message: "path is required"}
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if realRoot, err = filepath.Abs(realRoot); err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(realRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	// SECURITY: resolve symlinks before the containment check. A path that
	// does not exist yet is checked through its nearest existing parent.
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(realRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &SecurityError{Type: "path_traversal", Path: p, Message: "path escapes the workspace"}
	}
	if isSensitive(filepath.Base(resolved)) {
		return "", &SecurityError{Type: "sensitive_file", Path: p, Message: "refusing to touch a sensitive file"}
	}
	return resolved, nil
}

func resolveExisting(path string) (string, error) {
	var suffix []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			parts := append([]string{resolved}, suffix...)
			return filepath.Join(parts...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range SensitiveFilePatterns {
		if ok, _ := filepath.Match(pattern, lower); ok {
			return true
		}
	}
	return false
}

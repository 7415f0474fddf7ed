// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mentions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/tools"
)

// Defaults for the supplier.
const (
	DefaultMaxFileBytes = 64 * 1024
	DefaultMaxMentions  = 10
)

// =============================================================================
// SUPPLIER
// =============================================================================

// Supplier turns @file mentions in the latest user message into context
// snippets. It implements turn.ContextSupplier. Paths are confined to the
// workspace the same way file tools are.
type Supplier struct {
	root         string
	cache        *FileCache
	maxFileBytes int
	maxMentions  int
	logger       *slog.Logger
}

// NewSupplier creates a supplier for the workspace at root.
func NewSupplier(root string, logger *slog.Logger) *Supplier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supplier{
		root:         root,
		cache:        NewFileCache(0, 0),
		maxFileBytes: DefaultMaxFileBytes,
		maxMentions:  DefaultMaxMentions,
		logger:       logger,
	}
}

// WithLimits overrides the per-file byte limit and the mention count limit.
func (s *Supplier) WithLimits(maxFileBytes, maxMentions int) *Supplier {
	if maxFileBytes > 0 {
		s.maxFileBytes = maxFileBytes
	}
	if maxMentions > 0 {
		s.maxMentions = maxMentions
	}
	return s
}

// Cache returns the file cache.
func (s *Supplier) Cache() *FileCache {
	return s.cache
}

// Snippets implements turn.ContextSupplier. A mention that cannot be read
// yields a snippet saying so rather than failing the turn.
func (s *Supplier) Snippets(ctx context.Context, conv *model.Conversation) ([]string, error) {
	msg := conv.GetLastUserMessage()
	if msg == nil {
		return nil, nil
	}
	found := Parse(msg.Text())
	if len(found) > s.maxMentions {
		s.logger.Warn("too many file mentions, ignoring the rest", "found", len(found), "limit", s.maxMentions)
		found = found[:s.maxMentions]
	}

	snippets := make([]string, 0, len(found))
	for _, m := range found {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, truncated, err := s.read(m.Path)
		if err != nil {
			s.logger.Warn("file mention unavailable", "path", m.Path, "error", err)
			snippets = append(snippets, fmt.Sprintf("<file path=%q error=%q />", m.Path, err.Error()))
			continue
		}
		snippets = append(snippets, formatSnippet(m.Path, content, truncated))
	}
	return snippets, nil
}

// read returns the (possibly truncated) text of a workspace file.
func (s *Supplier) read(path string) (string, bool, error) {
	abs, err := tools.ResolveWorkspacePath(s.root, path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", false, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", filepath.Base(abs))
	}
	truncated := info.Size() > int64(s.maxFileBytes)

	if content, ok := s.cache.Get(abs, info.ModTime(), info.Size()); ok {
		return content, truncated, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, int64(s.maxFileBytes)))
	if err != nil {
		return "", false, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", false, fmt.Errorf("binary file")
	}

	// A byte limit can split the last rune.
	content := strings.ToValidUTF8(string(data), "")
	s.cache.Put(abs, content, info.ModTime(), info.Size())
	return content, truncated, nil
}

func formatSnippet(path, content string, truncated bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<file path=%q", path)
	if truncated {
		sb.WriteString(` truncated="true"`)
	}
	sb.WriteString(">\n")
	sb.WriteString(strings.TrimRight(content, "\n"))
	sb.WriteString("\n</file>")
	return sb.String()
}

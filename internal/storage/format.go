// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"strconv"
	"strings"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/util"
)

// =============================================================================
// CONVERSATION LIST FORMATTING
// =============================================================================

// FormatConversationList formats conversation metadata as a table with ID,
// last update, message count and title.
func FormatConversationList(metas []model.ConversationMeta) string {
	if len(metas) == 0 {
		return "No conversations found."
	}

	var sb strings.Builder
	sb.WriteString(util.PadRight("ID", 38) + " " + util.PadRight("Updated", 17) + " " + util.PadRight("Messages", 8) + " Title\n")
	sb.WriteString(strings.Repeat("-", 90) + "\n")

	for _, m := range metas {
		sb.WriteString(util.PadRight(m.ID, 38) + " " +
			util.PadRight(m.UpdatedAt.Format("2006-01-02 15:04"), 17) + " " +
			util.PadRight(strconv.Itoa(m.MessageCount), 8) + " " +
			util.TruncateWidth(m.Title, 30) + "\n")
	}
	return sb.String()
}

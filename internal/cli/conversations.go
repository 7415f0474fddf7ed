// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// conversations.go - Commands that inspect or rewind stored conversations.
//
// Commands:
//   rewind CHAT MESSAGE   revert tool effects after MESSAGE and truncate there
//   pending CHAT          list tool calls still waiting for a result
//   chats [--search Q]    list stored conversations, newest first

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/storage"
)

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("usage: rigrun-turns %s", usage)
		}
		return nil
	}
}

// =============================================================================
// REWIND
// =============================================================================

func newRewindCommand(flags *globalFlags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "rewind CHAT MESSAGE",
		Short: "Undo tool effects after a user message and truncate the conversation there",
		Args:  exactArgs(2, "rewind CHAT MESSAGE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			chatID, messageID := args[0], args[1]
			conv, err := a.restore(ctx, chatID)
			if err != nil {
				return err
			}
			msg := conv.GetMessageByID(messageID)
			if msg == nil {
				return &NotFoundError{Resource: "message", ID: messageID}
			}
			if msg.Role != model.RoleUser {
				return usagef("message %s is not a user message", messageID)
			}

			if err := a.ctrl.RewindTo(ctx, chatID, messageID); err != nil {
				return err
			}

			after, _ := a.ctrl.Conversation(chatID)
			if flags.jsonOutput {
				return NewJSONResponse("rewind", RewindData{ChatID: chatID, Messages: len(after.Messages)}).Print(out(cmd))
			}
			fmt.Fprintf(out(cmd), "Rewound %s to %s (%d messages remain)\n", chatID, messageID, len(after.Messages))
			return nil
		},
	}
}

// =============================================================================
// PENDING
// =============================================================================

func newPendingCommand(flags *globalFlags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending CHAT",
		Short: "List tool calls waiting for a result",
		Args:  exactArgs(1, "pending CHAT"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			chatID := args[0]
			if _, err := a.restore(cmd.Context(), chatID); err != nil {
				return err
			}

			pending := a.ctrl.FindPendingToolCalls(chatID)
			if flags.jsonOutput {
				data := PendingData{ChatID: chatID, Calls: make([]PendingCallInfo, 0, len(pending))}
				for _, p := range pending {
					data.Calls = append(data.Calls, PendingCallInfo(p))
				}
				return NewJSONResponse("pending", data).Print(out(cmd))
			}

			if len(pending) == 0 {
				fmt.Fprintln(out(cmd), "No pending tool calls.")
				return nil
			}
			for _, p := range pending {
				fmt.Fprintf(out(cmd), "%s  %-12s  (message %s)\n", p.ToolCallID, p.ToolName, p.MessageID)
			}
			return nil
		},
	}
}

// =============================================================================
// CHATS
// =============================================================================

func newChatsCommand(flags *globalFlags, opts Options) *cobra.Command {
	var search string

	cmd := &cobra.Command{
		Use:   "chats [--search QUERY]",
		Short: "List stored conversations",
		Args:  exactArgs(0, "chats [--search QUERY]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var metas []model.ConversationMeta
			if search != "" {
				metas, err = a.store.Search(cmd.Context(), search)
			} else {
				metas, err = a.store.List(cmd.Context())
			}
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				if metas == nil {
					metas = []model.ConversationMeta{}
				}
				return NewJSONResponse("chats", metas).Print(out(cmd))
			}
			fmt.Fprint(out(cmd), storage.FormatConversationList(metas))
			if len(metas) == 0 {
				fmt.Fprintln(out(cmd))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "only conversations whose title or messages contain QUERY")
	return cmd
}

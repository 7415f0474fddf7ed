// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Runs one turn and streams the answer to stdout.
//
// Command: ask [--chat ID] PROMPT
//
// Examples:
//   rigrun-turns ask "Summarise @file:README.md"
//   rigrun-turns ask --chat conv_1234 "Now fix the typo you found"
//
// Ctrl-C aborts the running turn; pending tool calls are marked aborted and
// the conversation is saved as it stands.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/turn"
)

func newAskCommand(flags *globalFlags, opts Options) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "ask [--chat ID] PROMPT",
		Short: "Run one turn and print the answer",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || strings.TrimSpace(strings.Join(args, " ")) == "" {
				return usagef("ask needs a prompt")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runAsk(cmd.Context(), a, out(cmd), chatID, strings.Join(args, " "), flags.jsonOutput)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "continue an existing conversation")
	return cmd
}

func runAsk(ctx context.Context, a *app, w io.Writer, chatID, prompt string, jsonMode bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if chatID == "" {
		chatID = a.ctrl.NewConversation("").ID
	} else if _, err := a.restore(ctx, chatID); err != nil {
		return err
	}

	a.watchConfig(ctx)
	stopSignals := abortOnInterrupt(a)
	defer stopSignals()

	user := model.NewUserMessage(prompt)
	var printer *streamPrinter
	var wg sync.WaitGroup
	if !jsonMode {
		printer = newStreamPrinter(w, user.ID)
		updates, unsubscribe := a.store.Hub().Subscribe(chatID, 0)
		defer unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case snap, ok := <-updates:
					if !ok {
						return
					}
					printer.Update(snap)
				}
			}
		}()
	}

	turnErr := a.ctrl.StartTurn(ctx, chatID, []*model.Message{user}, turn.TurnContext{
		SystemPrompt: a.cfg.Workspace.SystemPrompt,
	})
	cancel()
	wg.Wait()

	final, _ := a.ctrl.Conversation(chatID)
	if jsonMode {
		data := AskData{ChatID: chatID, MessageID: user.ID}
		if final != nil {
			data.Text = answerText(final, user.ID)
		}
		if turnErr != nil {
			data.Error = turnErr.Error()
		}
		if err := NewJSONResponse("ask", data).Print(w); err != nil {
			return err
		}
		return turnErr
	}

	if final != nil {
		printer.Update(final)
	}
	printer.Finish()
	if turnErr != nil {
		return turnErr
	}
	fmt.Fprintf(w, "\n[chat %s]\n", chatID)
	return nil
}

// abortOnInterrupt aborts the active turn on Ctrl-C. The returned func
// stops listening.
func abortOnInterrupt(a *app) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sig:
				if a.ctrl.AbortActiveTurn() {
					a.logger.Info("turn aborted by interrupt")
				}
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

// answerText joins the assistant text written after the user message.
func answerText(conv *model.Conversation, userID string) string {
	idx := conv.MessageIndex(userID)
	if idx < 0 {
		return ""
	}
	var parts []string
	for _, m := range conv.Messages[idx+1:] {
		if m.Role == model.RoleAssistant {
			if t := m.Text(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter prints the growth of a conversation after one user message:
// new assistant text as it arrives and a line per tool call state change.
type streamPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	userID  string
	printed map[string]int
	states  map[string]model.ToolCallState
	lastMsg string
}

func newStreamPrinter(w io.Writer, userID string) *streamPrinter {
	return &streamPrinter{
		w:       w,
		userID:  userID,
		printed: make(map[string]int),
		states:  make(map[string]model.ToolCallState),
	}
}

// Update prints whatever snap adds to what was already shown.
func (p *streamPrinter) Update(snap *model.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := snap.MessageIndex(p.userID)
	if idx < 0 {
		return
	}
	for _, m := range snap.Messages[idx+1:] {
		if m.Role != model.RoleAssistant {
			continue
		}
		if text := m.Text(); len(text) > p.printed[m.ID] {
			if p.lastMsg != "" && p.lastMsg != m.ID {
				fmt.Fprintln(p.w)
			}
			fmt.Fprint(p.w, text[p.printed[m.ID]:])
			p.printed[m.ID] = len(text)
			p.lastMsg = m.ID
		}
		for _, tc := range m.ToolCalls() {
			p.toolLine(tc)
		}
	}
}

func (p *streamPrinter) toolLine(tc *model.ToolCallPart) {
	prev, seen := p.states[tc.ToolCallID]
	if seen && prev == tc.State {
		return
	}
	p.states[tc.ToolCallID] = tc.State

	var line string
	switch tc.State {
	case model.StateInputAvailable:
		line = fmt.Sprintf("[tool] %s ...", tc.ToolName)
	case model.StateOutputAvailable:
		line = fmt.Sprintf("[tool] %s done", tc.ToolName)
	case model.StateOutputError:
		line = fmt.Sprintf("[tool] %s failed: %s", tc.ToolName, tc.ErrorText)
	default:
		return
	}
	if p.lastMsg != "" {
		fmt.Fprintln(p.w)
		p.lastMsg = ""
	}
	fmt.Fprintln(p.w, line)
}

// Finish terminates the last line.
func (p *streamPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastMsg != "" {
		fmt.Fprintln(p.w)
	}
}

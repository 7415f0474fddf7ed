// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/stream"
	"github.com/jeranaias/rigrun-turns/internal/tools"
)

// turnRun is the state of one StartTurn invocation across its recursions.
type turnRun struct {
	c          *Controller
	entry      *conversationEntry
	chatID     string
	generation uint64
	opts       Options
	tc         TurnContext

	snippets    []string
	authRetries int
	depth       int
}

// run drives the turn: one model step per iteration, recursing while the
// model keeps requesting tools.
func (t *turnRun) run(ctx context.Context, history []*model.Message) error {
	err := t.mutate(ctx, func(conv *model.Conversation) error {
		conv.ClearError()
		for _, msg := range history {
			if msg == nil || conv.GetMessageByID(msg.ID) != nil {
				continue
			}
			conv.AddMessage(msg.Clone())
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.snippets = t.gatherSnippets(ctx)

	for t.depth = 0; ; t.depth++ {
		if t.depth > t.opts.MaxRecursionDepth {
			return fmt.Errorf("%w: stopped after %d recursions", errclass.ErrRecursionLimit, t.opts.MaxRecursionDepth)
		}
		if t.depth > 0 {
			t.c.logger.Debug("recursing with tool results", "chat_id", t.chatID, "depth", t.depth)
		}
		t.c.armWatchdog(t.generation, t.opts.WatchdogTimeout)

		ran, err := t.stepWithAuth(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

// stepWithAuth runs one step, refreshing credentials and replaying the
// identical step when the transport reports expired authentication.
func (t *turnRun) stepWithAuth(ctx context.Context) (bool, error) {
	for {
		mark := t.messageCount()
		ran, err := t.step(ctx)
		if err == nil {
			return ran, nil
		}
		if errclass.Classify(err).Category != errclass.CategoryAuthExpired {
			return false, err
		}
		if t.authRetries >= t.opts.MaxAuthRetries {
			return false, fmt.Errorf("%w (gave up after %d refresh attempts)", err, t.authRetries)
		}
		t.authRetries++
		t.c.logger.Info("authentication expired, refreshing credentials", "chat_id", t.chatID, "attempt", t.authRetries)

		if err := t.c.refreshCredentials(ctx); err != nil {
			return false, err
		}
		if err := t.rollback(ctx, mark); err != nil {
			return false, err
		}
	}
}

// step sends the transcript to the model, folds the response into it and
// dispatches the requested tool calls. It reports whether any tool ran.
func (t *turnRun) step(ctx context.Context) (bool, error) {
	req, err := t.buildRequest(ctx, t.snapshot())
	if err != nil {
		return false, err
	}

	seq, err := t.c.transport.Open(ctx, req)
	if err != nil {
		return false, err
	}
	res, err := stream.NewConsumer().Consume(ctx, seq, func(fn func(*model.Conversation) error) error {
		return t.mutate(ctx, fn)
	})
	if err != nil {
		return false, err
	}

	usage := res.Usage
	usage.Requests = 1
	if err := t.mutate(ctx, func(conv *model.Conversation) error {
		conv.Usage.Add(usage)
		return nil
	}); err != nil {
		return false, err
	}

	calls := t.dispatchable(res.ToolCalls)
	if len(calls) == 0 {
		t.c.logger.Debug("step finished without tool calls", "chat_id", t.chatID, "finish_reason", res.FinishReason)
		return false, nil
	}

	t.c.logger.Debug("dispatching tool calls", "chat_id", t.chatID, "count", len(calls))
	results := t.c.dispatcher.Dispatch(ctx, calls, t.c.tools, t.snapshot(), t.applyResult(ctx))
	t.c.saveLedger(ctx, t.chatID)

	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, r := range results {
		if !r.Success {
			t.c.logger.Debug("tool call failed", "chat_id", t.chatID, "tool", r.ToolName, "tool_call_id", r.ToolCallID, "error", r.Error)
		}
	}
	return len(results) > 0, nil
}

// dispatchable turns the calls listed by a terminal chunk into dispatcher
// calls, taking name and input from the transcript.
func (t *turnRun) dispatchable(requested []stream.ToolCallRequest) []tools.Call {
	t.entry.mu.Lock()
	defer t.entry.mu.Unlock()

	calls := make([]tools.Call, 0, len(requested))
	for _, req := range requested {
		_, part := t.entry.conv.FindToolCall(req.ToolCallID)
		if part == nil || part.State != model.StateInputAvailable {
			continue
		}
		calls = append(calls, tools.Call{ID: part.ToolCallID, Name: part.ToolName, Input: part.Input})
	}
	return calls
}

// applyResult writes each settled result into its own part. A part that is
// already terminal (aborted meanwhile) rejects the result.
func (t *turnRun) applyResult(ctx context.Context) tools.ResultFunc {
	return func(res model.ToolCallResult) error {
		return t.mutate(ctx, func(conv *model.Conversation) error {
			_, part := conv.FindToolCall(res.ToolCallID)
			if part == nil || part.State.Terminal() {
				return tools.ErrResultRejected
			}
			if res.Success {
				return part.Complete(res.Output)
			}
			text := "tool failed"
			if res.Error != nil {
				text = res.Error.Message
			}
			return part.Fail(text)
		})
	}
}

// buildRequest assembles the outbound request from a transcript snapshot.
func (t *turnRun) buildRequest(ctx context.Context, snap *model.Conversation) (Request, error) {
	prompt := t.tc.SystemPrompt
	if prompt == "" && t.c.prompts != nil {
		p, err := t.c.prompts.SystemPrompt(ctx, snap)
		if err != nil {
			return Request{}, fmt.Errorf("build system prompt: %w", err)
		}
		prompt = p
	}

	t.c.mu.Lock()
	token := t.c.credentials.AccessToken
	t.c.mu.Unlock()

	return Request{
		ChatID:       t.chatID,
		SystemPrompt: prompt,
		Messages:     snap.Messages,
		Snippets:     t.snippets,
		Tools:        t.c.tools.Definitions(),
		AccessToken:  token,
	}, nil
}

// gatherSnippets collects context once per turn and records it on the
// latest user message.
func (t *turnRun) gatherSnippets(ctx context.Context) []string {
	snippets := slices.Clone(t.tc.Snippets)
	if t.c.supplier != nil {
		extra, err := t.c.supplier.Snippets(ctx, t.snapshot())
		if err != nil {
			t.c.logger.Warn("context supplier failed, continuing without it", "chat_id", t.chatID, "error", err)
		} else {
			snippets = append(snippets, extra...)
		}
	}
	if len(snippets) == 0 {
		return nil
	}

	_ = t.mutate(ctx, func(conv *model.Conversation) error {
		if msg := conv.GetLastUserMessage(); msg != nil && msg.ContextSnippet == "" {
			msg.ContextSnippet = strings.Join(snippets, "\n\n")
		}
		return nil
	})
	return snippets
}

// rollback drops messages appended since mark so a replayed step starts
// from the same transcript. A cancelled turn leaves the transcript alone.
func (t *turnRun) rollback(ctx context.Context, mark int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.mutate(ctx, func(conv *model.Conversation) error {
		conv.TruncateTo(mark)
		return nil
	})
}

// mutate changes the transcript only while this turn holds the active slot.
func (t *turnRun) mutate(ctx context.Context, fn func(conv *model.Conversation) error) error {
	return t.c.mutateOwned(ctx, t.entry, t.generation, fn)
}

func (t *turnRun) snapshot() *model.Conversation {
	t.entry.mu.Lock()
	defer t.entry.mu.Unlock()
	return t.entry.conv.Clone()
}

func (t *turnRun) messageCount() int {
	t.entry.mu.Lock()
	defer t.entry.mu.Unlock()
	return len(t.entry.conv.Messages)
}

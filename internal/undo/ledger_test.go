// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package undo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

type recordingResolver struct {
	mu       sync.Mutex
	reverted []string
	failRef  string
}

func (r *recordingResolver) Revert(_ context.Context, h model.UndoHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.Ref == r.failRef {
		return errors.New("revert failed")
	}
	r.reverted = append(r.reverted, h.Ref)
	return nil
}

// buildChat creates: user M, assistant with call_1..call_3, user N.
// Tool calls are output-available.
func buildChat() (*model.Conversation, *model.Message) {
	conv := model.NewConversation("t")
	target := model.NewUserMessage("M")
	conv.AddMessage(target)

	for _, id := range []string{"call_1", "call_2", "call_3"} {
		asst := model.NewAssistantMessage("")
		asst.Parts = []model.Part{&model.ToolCallPart{
			ToolName: "write_file", ToolCallID: id, State: model.StateOutputAvailable,
		}}
		conv.AddMessage(asst)
	}
	conv.AddMessage(model.NewUserMessage("N"))
	return conv, target
}

func handle(ref string) model.UndoHandle {
	return model.UndoHandle{Tool: "write_file", Ref: ref}
}

func TestRewindTo_RevertsMostRecentFirst(t *testing.T) {
	conv, target := buildChat()
	res := &recordingResolver{}
	l := New(res, nil)

	// call_2 has no undo handle
	l.Push(conv.ID, Entry{ToolCallID: "call_1", Handle: handle("h1")})
	l.Push(conv.ID, Entry{ToolCallID: "call_3", Handle: handle("h3")})

	require.NoError(t, l.RewindTo(context.Background(), conv, target.ID))

	assert.Equal(t, []string{"h3", "h1"}, res.reverted)
	assert.Equal(t, 0, l.Len(conv.ID))
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, target.ID, conv.Messages[0].ID)
}

func TestRewindTo_StopsAtForeignEntry(t *testing.T) {
	conv, _ := buildChat()
	res := &recordingResolver{}
	l := New(res, nil)

	l.Push(conv.ID, Entry{ToolCallID: "call_1", Handle: handle("h1")})
	l.Push(conv.ID, Entry{ToolCallID: "call_3", Handle: handle("h3")})

	// Rewind to the assistant message holding call_2: only call_3 is after it.
	second := conv.Messages[2]
	require.NoError(t, l.RewindTo(context.Background(), conv, second.ID))

	assert.Equal(t, []string{"h3"}, res.reverted)
	entries := l.Entries(conv.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "call_1", entries[0].ToolCallID)
}

func TestRewindTo_Idempotent(t *testing.T) {
	conv, target := buildChat()
	res := &recordingResolver{}
	l := New(res, nil)
	l.Push(conv.ID, Entry{ToolCallID: "call_2", Handle: handle("h2")})

	require.NoError(t, l.RewindTo(context.Background(), conv, target.ID))
	once := conv.Clone()
	require.NoError(t, l.RewindTo(context.Background(), conv, target.ID))

	assert.Equal(t, len(once.Messages), len(conv.Messages))
	assert.Equal(t, []string{"h2"}, res.reverted)
	assert.Equal(t, 0, l.Len(conv.ID))
}

func TestRewindTo_MissingTargetIsNoop(t *testing.T) {
	conv, _ := buildChat()
	res := &recordingResolver{}
	l := New(res, nil)
	l.Push(conv.ID, Entry{ToolCallID: "call_3", Handle: handle("h3")})

	require.NoError(t, l.RewindTo(context.Background(), conv, "msg_missing"))
	assert.Empty(t, res.reverted)
	assert.Equal(t, 1, l.Len(conv.ID))
	assert.Len(t, conv.Messages, 5)
}

func TestRewindTo_FailureAbortsAndKeepsTranscript(t *testing.T) {
	conv, target := buildChat()
	res := &recordingResolver{failRef: "h2"}
	l := New(res, nil)
	l.Push(conv.ID, Entry{ToolCallID: "call_1", Handle: handle("h1")})
	l.Push(conv.ID, Entry{ToolCallID: "call_2", Handle: handle("h2")})
	l.Push(conv.ID, Entry{ToolCallID: "call_3", Handle: handle("h3")})

	err := l.RewindTo(context.Background(), conv, target.ID)
	require.Error(t, err)

	var undoErr *errclass.UndoError
	require.True(t, errors.As(err, &undoErr))
	assert.Equal(t, "call_2", undoErr.ToolCallID)

	assert.Equal(t, []string{"h3"}, res.reverted, "h1 must not be reverted after h2 failed")
	assert.Equal(t, 2, l.Len(conv.ID), "failing entry stays for a later retry")
	assert.Len(t, conv.Messages, 5, "transcript is not truncated on failure")
}

func TestDrop(t *testing.T) {
	l := New(&recordingResolver{}, nil)
	l.Push("c", Entry{ToolCallID: "a"})
	l.Push("c", Entry{ToolCallID: "b"})
	assert.Equal(t, 2, l.Drop("c"))
	assert.Equal(t, 0, l.Len("c"))
}

func TestDiscard(t *testing.T) {
	res := &recordingResolver{}
	l := New(res, nil)
	require.NoError(t, l.Discard(context.Background(), Entry{ToolCallID: "x", Handle: handle("hx")}))
	assert.Equal(t, []string{"hx"}, res.reverted)
	assert.Equal(t, 0, l.Len("any"))
}

func TestRestore_KeepsOnlyCompletedCalls(t *testing.T) {
	conv, _ := buildChat()
	_, part := conv.FindToolCall("call_2")
	part.State = model.StateOutputError
	l := New(&recordingResolver{}, nil)

	kept := l.Restore(conv, []Entry{
		{ToolCallID: "call_1", Handle: handle("h1")},
		{ToolCallID: "call_2", Handle: handle("h2")},
		{ToolCallID: "call_9", Handle: handle("h9")},
		{ToolCallID: "call_3", Handle: handle("h3")},
	})

	assert.Equal(t, 2, kept)
	entries := l.Entries(conv.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, "call_1", entries[0].ToolCallID)
	assert.Equal(t, "call_3", entries[1].ToolCallID)

	assert.Zero(t, l.Restore(conv, nil))
	assert.Zero(t, l.Len(conv.ID))
}

func TestRewindTo_RejectsNonUserTarget(t *testing.T) {
	conv, _ := buildChat()
	res := &recordingResolver{}
	l := New(res, nil)
	l.Push(conv.ID, Entry{ToolCallID: "call_3", Handle: handle("h3")})

	assistant := conv.Messages[1]
	err := l.RewindTo(context.Background(), conv, assistant.ID)
	require.ErrorIs(t, err, ErrNotUserMessage)

	assert.Empty(t, res.reverted)
	assert.Equal(t, 1, l.Len(conv.ID))
	assert.Len(t, conv.Messages, 5)
}

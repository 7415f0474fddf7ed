// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/undo"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "turns.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleConversation(title string) *model.Conversation {
	conv := model.NewConversation(title)
	conv.AddMessage(model.NewUserMessage("read notes.txt"))
	asst := model.NewAssistantMessage("")
	asst.Parts = []model.Part{
		&model.TextPart{Text: "Reading it now."},
		&model.ToolCallPart{
			ToolCallID: "call_1",
			ToolName:   "read_file",
			State:      model.StateOutputAvailable,
			Input:      map[string]any{"path": "notes.txt"},
			Output:     "hello",
		},
	}
	conv.AddMessage(asst)
	return conv
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestStore_CommitAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := sampleConversation("Notes")
	conv.SetError(&model.ConversationError{Kind: "QuotaExceeded", Message: "slow down", Cooldown: time.Minute})
	require.NoError(t, s.Commit(ctx, conv))

	got, err := s.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Reading it now.", got.Messages[1].Text())

	_, part := got.FindToolCall("call_1")
	require.NotNil(t, part)
	assert.Equal(t, model.StateOutputAvailable, part.State)
	assert.Equal(t, "hello", part.Output)

	require.NotNil(t, got.Error)
	assert.Equal(t, time.Minute, got.Error.Cooldown)
}

func TestStore_CommitOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := sampleConversation("Notes")
	require.NoError(t, s.Commit(ctx, conv))
	conv.AddMessage(model.NewUserMessage("again"))
	require.NoError(t, s.Commit(ctx, conv))

	metas, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, 3, metas[0].MessageCount)
}

func TestStore_LoadNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "conv_missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStore_ListOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := sampleConversation("Older")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := sampleConversation("Newer")
	require.NoError(t, s.Commit(ctx, older))
	require.NoError(t, s.Commit(ctx, newer))

	metas, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, newer.ID, metas[0].ID)
	assert.Equal(t, older.ID, metas[1].ID)
}

func TestStore_Search(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := model.NewConversation("Budget")
	a.AddMessage(model.NewUserMessage("quarterly numbers"))
	b := model.NewConversation("Trip")
	b.AddMessage(model.NewUserMessage("pack 100% cotton"))
	require.NoError(t, s.Commit(ctx, a))
	require.NoError(t, s.Commit(ctx, b))

	got, err := s.Search(ctx, "QUARTERLY")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = s.Search(ctx, "100%")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	got, err = s.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_DeleteDropsUndoAndSubscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := sampleConversation("Notes")
	require.NoError(t, s.Commit(ctx, conv))
	require.NoError(t, s.SaveUndo(ctx, conv.ID, []undo.Entry{{ToolCallID: "call_1", Handle: model.UndoHandle{Tool: "write_file", Ref: "/tmp/x"}}}))

	updates, stop := s.Hub().Subscribe(conv.ID, 1)
	defer stop()

	require.NoError(t, s.Delete(ctx, conv.ID))
	_, err := s.Load(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	entries, err := s.LoadUndo(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, open := <-updates
	assert.False(t, open)

	require.NoError(t, s.Delete(ctx, conv.ID), "deleting twice is fine")
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	require.NoError(t, err)
	conv := sampleConversation("Persisted")
	require.NoError(t, s.Commit(ctx, conv))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Persisted", got.Title)
}

// =============================================================================
// UNDO LEDGER
// =============================================================================

func TestStore_UndoRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := sampleConversation("Notes")
	require.NoError(t, s.Commit(ctx, conv))

	state, _ := json.Marshal(map[string]any{"existed": false})
	entries := []undo.Entry{
		{ToolCallID: "call_1", Handle: model.UndoHandle{Tool: "write_file", Ref: "/w/a.txt", State: state}},
		{ToolCallID: "call_2", Handle: model.UndoHandle{Tool: "delete_file", Ref: "/w/b.txt"}},
	}
	require.NoError(t, s.SaveUndo(ctx, conv.ID, entries))

	got, err := s.LoadUndo(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "call_1", got[0].ToolCallID)
	assert.JSONEq(t, string(state), string(got[0].Handle.State))
	assert.Equal(t, "delete_file", got[1].Handle.Tool)

	// Saving replaces the previous ledger.
	require.NoError(t, s.SaveUndo(ctx, conv.ID, entries[:1]))
	got, err = s.LoadUndo(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, s.SaveUndo(ctx, conv.ID, nil))
	got, err = s.LoadUndo(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// =============================================================================
// HUB
// =============================================================================

func TestHub_PublishIsolatesSnapshots(t *testing.T) {
	h := NewHub(nil)
	conv := sampleConversation("Notes")

	updates, stop := h.Subscribe(conv.ID, 2)
	defer stop()
	other, stopOther := h.Subscribe("conv_other", 2)
	defer stopOther()

	h.Publish(conv)
	snap := <-updates
	assert.Equal(t, conv.ID, snap.ID)

	conv.AddMessage(model.NewUserMessage("later"))
	assert.Len(t, snap.Messages, 2, "subscribers get a copy")
	assert.Empty(t, other)
}

func TestHub_SlowSubscriberKeepsLatest(t *testing.T) {
	h := NewHub(nil)
	conv := model.NewConversation("x")
	updates, stop := h.Subscribe(conv.ID, 1)
	defer stop()

	for i := 0; i < 5; i++ {
		conv.Title = string(rune('a' + i))
		h.Publish(conv)
	}
	snap := <-updates
	assert.Equal(t, "e", snap.Title)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(nil)
	updates, stop := h.Subscribe("c", 0)
	assert.Equal(t, 1, h.Subscribers("c"))

	stop()
	stop()
	assert.Equal(t, 0, h.Subscribers("c"))
	_, open := <-updates
	assert.False(t, open)

	h.Publish(model.NewConversation("after"))
}

func TestFormatConversationList(t *testing.T) {
	assert.Equal(t, "No conversations found.", FormatConversationList(nil))

	out := FormatConversationList([]model.ConversationMeta{{
		ID:           "conv_1",
		Title:        "A very long conversation title that needs truncating",
		MessageCount: 4,
		UpdatedAt:    time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC),
	}})
	assert.Contains(t, out, "conv_1")
	assert.Contains(t, out, "2025-01-02 03:04")
	assert.Contains(t, out, "A very long conversation ti...")
}

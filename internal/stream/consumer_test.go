// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
)

func newChat() *model.Conversation {
	conv := model.NewConversation("t")
	conv.AddMessage(model.NewUserMessage("hi"))
	return conv
}

func TestConsume_TextDeltasConcatenate(t *testing.T) {
	conv := newChat()
	seq := FromSlice(
		TextDelta("msg_a", 0, "Hel"),
		TextDelta("msg_a", 0, "lo "),
		TextDelta("msg_a", 0, "there"),
		Terminal(),
	)

	res, err := NewConsumer().Consume(context.Background(), seq, Direct(conv))
	require.NoError(t, err)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, []string{"msg_a"}, res.MessageIDs)

	require.Len(t, conv.Messages, 2)
	asst := conv.Messages[1]
	assert.Equal(t, model.RoleAssistant, asst.Role)
	require.Len(t, asst.Parts, 1)
	assert.Equal(t, "Hello there", asst.Text())
}

func TestConsume_ToolCallStatesNeverRegress(t *testing.T) {
	conv := newChat()
	call := ToolCallRequest{ToolCallID: "call_1", ToolName: "read_file", Input: map[string]any{"path": "a.go"}}
	chunks := []Chunk{
		TextDelta("msg_a", 0, "reading"),
		{Kind: ChunkToolInputStart, MessageID: "msg_a", PartIndex: 1, ToolCallID: "call_1", ToolName: "read_file"},
		ToolInputAvailable("msg_a", 1, call),
		Terminal(call),
	}

	c := NewConsumer()
	var states []model.ToolCallState
	for _, ch := range chunks {
		require.NoError(t, c.Apply(conv, ch))
		if _, part := conv.FindToolCall("call_1"); part != nil {
			states = append(states, part.State)
		}
	}

	require.NotEmpty(t, states)
	for i := 1; i < len(states); i++ {
		assert.False(t, states[i-1] == model.StateInputAvailable && states[i] == model.StateInputStreaming,
			"state regressed at %d: %v", i, states)
	}
	assert.Equal(t, model.StateInputAvailable, states[len(states)-1])
	_, part := conv.FindToolCall("call_1")
	assert.Equal(t, "a.go", part.Input["path"])
}

func TestApply_StartAfterAvailableRejected(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	call := ToolCallRequest{ToolCallID: "call_1", ToolName: "read_file"}
	require.NoError(t, c.Apply(conv, ToolInputAvailable("msg_a", 0, call)))

	err := c.Apply(conv, Chunk{Kind: ChunkToolInputStart, MessageID: "msg_a", PartIndex: 0, ToolCallID: "call_1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStateRegression))
}

func TestApply_NewMessageFreezesPrevious(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "one")))
	require.NoError(t, c.Apply(conv, TextDelta("msg_b", 0, "two")))

	err := c.Apply(conv, TextDelta("msg_a", 0, "late"))
	require.ErrorIs(t, err, ErrMessageFrozen)
	assert.Equal(t, "one", conv.Messages[1].Text())
}

func TestApply_HistoryMessageIsFrozen(t *testing.T) {
	conv := newChat()
	userID := conv.Messages[0].ID
	err := NewConsumer().Apply(conv, TextDelta(userID, 0, "x"))
	require.ErrorIs(t, err, ErrMessageFrozen)
}

func TestApply_NewIndexCreatesPart(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "a")))
	require.NoError(t, c.Apply(conv, Chunk{Kind: ChunkStepBoundary, MessageID: "msg_a"}))
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 2, "b")))

	parts := conv.Messages[1].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, model.PartStepBoundary, parts[1].Kind())
	assert.Equal(t, "ab", conv.Messages[1].Text())
}

func TestApply_PartKindMismatch(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "a")))
	err := c.Apply(conv, Chunk{Kind: ChunkReasoningDelta, MessageID: "msg_a", PartIndex: 0, Delta: "x"})
	require.ErrorIs(t, err, ErrPartKindMismatch)
}

func TestApply_DuplicateToolCallID(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	call := ToolCallRequest{ToolCallID: "call_1", ToolName: "read_file"}
	require.NoError(t, c.Apply(conv, ToolInputAvailable("msg_a", 0, call)))
	err := c.Apply(conv, ToolInputAvailable("msg_a", 1, call))
	require.ErrorIs(t, err, ErrDuplicateToolCallID)
}

func TestApply_TerminalCreatesMissingParts(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "ok")))
	require.NoError(t, c.Apply(conv, Terminal(ToolCallRequest{ToolCallID: "call_9", ToolName: "read_file"})))

	_, part := conv.FindToolCall("call_9")
	require.NotNil(t, part)
	assert.Equal(t, model.StateInputAvailable, part.State)
	assert.True(t, c.Finished())

	err := c.Apply(conv, TextDelta("msg_a", 0, "more"))
	require.ErrorIs(t, err, ErrStreamFinished)
}

func TestConsume_MissingTerminalIsTransportError(t *testing.T) {
	conv := newChat()
	_, err := NewConsumer().Consume(context.Background(), FromSlice(TextDelta("msg_a", 0, "x")), Direct(conv))
	require.Error(t, err)
	assert.Equal(t, errclass.CategoryTransport, errclass.Classify(err).Category)
}

func TestConsume_StreamErrorPropagates(t *testing.T) {
	conv := newChat()
	boom := errors.New("boom")
	seq := FromSlice(TextDelta("msg_a", 0, "x")).FailAfter(boom)
	_, err := NewConsumer().Consume(context.Background(), seq, Direct(conv))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "x", conv.Messages[1].Text(), "applied chunks stay in the transcript")
}

func TestConsume_CancelStopsBeforeNextPull(t *testing.T) {
	conv := newChat()
	ctx, cancel := context.WithCancel(context.Background())
	seq := FromSlice(TextDelta("msg_a", 0, "a"), TextDelta("msg_a", 0, "b"), Terminal())

	applied := 0
	mutate := func(fn func(*model.Conversation) error) error {
		applied++
		cancel()
		return fn(conv)
	}
	_, err := NewConsumer().Consume(ctx, seq, mutate)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "a", conv.Messages[1].Text())
}

func TestApply_SparseTextIndexResolvesToOnePart(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "zero")))
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 3, "three-a")))
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 3, "three-b")))
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "!")))

	parts := conv.Messages[1].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "zero!", parts[0].(*model.TextPart).Text)
	assert.Equal(t, "three-athree-b", parts[1].(*model.TextPart).Text)
}

func TestApply_SparseToolIndexCreateThenUpdate(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	call := ToolCallRequest{ToolCallID: "call_1", ToolName: "read_file", Input: map[string]any{"path": "a.go"}}

	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 0, "reading")))
	require.NoError(t, c.Apply(conv, Chunk{Kind: ChunkToolInputStart, MessageID: "msg_a", PartIndex: 2, ToolCallID: "call_1", ToolName: "read_file"}))
	require.NoError(t, c.Apply(conv, ToolInputAvailable("msg_a", 2, call)))
	require.NoError(t, c.Apply(conv, Terminal(call)))

	msg := conv.Messages[1]
	require.Len(t, msg.Parts, 2)
	require.Len(t, msg.ToolCalls(), 1)
	part := msg.ToolCalls()[0]
	assert.Equal(t, model.StateInputAvailable, part.State)
	assert.Equal(t, "a.go", part.Input["path"])
}

func TestApply_SparseIndexKindMismatch(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	require.NoError(t, c.Apply(conv, TextDelta("msg_a", 5, "a")))
	err := c.Apply(conv, Chunk{Kind: ChunkToolInputStart, MessageID: "msg_a", PartIndex: 5, ToolCallID: "call_1"})
	require.ErrorIs(t, err, ErrPartKindMismatch)
}

func TestApply_InputIsCopied(t *testing.T) {
	conv := newChat()
	c := NewConsumer()
	input := map[string]any{"opts": map[string]any{"depth": 1.0}}
	call := ToolCallRequest{ToolCallID: "call_1", ToolName: "read_file", Input: input}
	require.NoError(t, c.Apply(conv, ToolInputAvailable("msg_a", 0, call)))

	input["opts"].(map[string]any)["depth"] = 9.0
	_, part := conv.FindToolCall("call_1")
	assert.Equal(t, 1.0, part.Input["opts"].(map[string]any)["depth"])
}

// cancellingSeq cancels the consumer's context from inside Next and still
// hands back a chunk, like a transport that ignores cancellation.
type cancellingSeq struct {
	cancel context.CancelFunc
}

func (s *cancellingSeq) Next(context.Context) (Chunk, error) {
	s.cancel()
	return TextDelta("msg_late", 0, "late"), nil
}

func (s *cancellingSeq) Close() error { return nil }

func TestConsume_ChunkAfterCancelIsDropped(t *testing.T) {
	conv := newChat()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := NewConsumer().Consume(ctx, &cancellingSeq{cancel: cancel}, Direct(conv))
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, conv.Messages, 1)
	assert.Nil(t, conv.GetMessageByID("msg_late"))
}

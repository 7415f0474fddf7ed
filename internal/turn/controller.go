// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/tools"
	"github.com/jeranaias/rigrun-turns/internal/undo"
	"github.com/jeranaias/rigrun-turns/internal/watchdog"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTurnInProgress is returned when a turn or rewind is already running.
	ErrTurnInProgress = errors.New("a turn is already in progress")

	// ErrConversationNotFound is returned for unknown chat ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExists is returned when restoring a chat that is loaded.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrTurnAborted is the cancellation cause of an explicitly aborted turn.
	ErrTurnAborted = errors.New("turn aborted")

	// ErrWatchdogExpired is the cancellation cause of a turn that outlived
	// the watchdog timeout.
	ErrWatchdogExpired = errors.New("turn watchdog expired")

	// errTurnStopped is returned to a turn that tries to change the
	// transcript after losing the active slot.
	errTurnStopped = fmt.Errorf("%w: turn no longer active", context.Canceled)
)

// =============================================================================
// CONTROLLER
// =============================================================================

// watchKey is the watchdog key type of the controller. Tool call timers use
// tools.CallKey on their own table, so the two can never collide.
type watchKey string

const workingKey watchKey = "working"

type conversationEntry struct {
	mu   sync.Mutex
	conv *model.Conversation
}

// activeTurn is the cancellation token of the running operation.
type activeTurn struct {
	chatID     string
	generation uint64
	cancel     context.CancelCauseFunc
}

// Controller runs agent turns. At most one turn (or rewind) is in progress
// at a time across all conversations it owns.
type Controller struct {
	transport ModelTransport
	tools     ToolSet
	creds     CredentialProvider
	sink      BroadcastSink
	prompts   PromptBuilder
	supplier  ContextSupplier
	logger    *slog.Logger

	ledger     *undo.Ledger
	dispatcher *tools.Dispatcher
	watchdog   *watchdog.Timers[watchKey]

	mu          sync.Mutex
	opts        Options
	convs       map[string]*conversationEntry
	credentials model.Credentials
	active      *activeTurn
	generation  uint64
}

// New creates a controller from its collaborators.
func New(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Transport == nil {
		return nil, errors.New("turn: a model transport is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("turn: a tool set is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("turn: invalid options: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	resolver := deps.Resolver
	if resolver == nil {
		if r, ok := deps.Tools.(undo.Resolver); ok {
			resolver = r
		} else {
			resolver = noResolver{}
		}
	}

	ledger := undo.New(resolver, logger.With("component", "undo"))
	dispatcher := tools.NewDispatcher(watchdog.New[tools.CallKey](), ledger, logger.With("component", "dispatch"))
	dispatcher.SetTimeout(opts.ToolTimeout)

	return &Controller{
		transport:  deps.Transport,
		tools:      deps.Tools,
		creds:      deps.Credentials,
		sink:       deps.Sink,
		prompts:    deps.Prompts,
		supplier:   deps.Context,
		logger:     logger,
		ledger:     ledger,
		dispatcher: dispatcher,
		watchdog:   watchdog.New[watchKey](),
		opts:       opts,
		convs:      make(map[string]*conversationEntry),
	}, nil
}

type noResolver struct{}

func (noResolver) Revert(_ context.Context, h model.UndoHandle) error {
	return fmt.Errorf("%w: %s", tools.ErrNoReverter, h.Tool)
}

// =============================================================================
// STATE AND TUNABLES
// =============================================================================

// Working reports whether a turn is in progress.
func (c *Controller) Working() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// SetCredentials replaces the credentials sent with subsequent requests.
func (c *Controller) SetCredentials(creds model.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials = creds
}

// Options returns the current tunables.
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// UpdateOptions replaces the tunables. A running turn keeps its options.
func (c *Controller) UpdateOptions(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	c.dispatcher.SetTimeout(opts.ToolTimeout)
	c.logger.Info("turn options updated",
		"watchdog_timeout", opts.WatchdogTimeout,
		"tool_timeout", opts.ToolTimeout,
		"max_recursion_depth", opts.MaxRecursionDepth,
	)
	return nil
}

// UndoEntries returns the undo stack of a conversation, bottom first.
func (c *Controller) UndoEntries(chatID string) []undo.Entry {
	return c.ledger.Entries(chatID)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// NewConversation creates an empty conversation and returns a snapshot.
func (c *Controller) NewConversation(title string) *model.Conversation {
	conv := model.NewConversation(title)
	e := &conversationEntry{conv: conv}

	c.mu.Lock()
	c.convs[conv.ID] = e
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := conv.Clone()
	c.commit(context.Background(), snap)
	return snap
}

// RestoreConversation adopts a conversation loaded from storage together
// with its persisted undo stack.
func (c *Controller) RestoreConversation(conv *model.Conversation, entries []undo.Entry) error {
	if conv == nil || conv.ID == "" {
		return errors.New("restore conversation: missing id")
	}
	c.mu.Lock()
	if _, ok := c.convs[conv.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}
	owned := conv.Clone()
	c.convs[conv.ID] = &conversationEntry{conv: owned}
	c.mu.Unlock()

	kept := c.ledger.Restore(owned, entries)
	c.logger.Debug("conversation restored", "chat_id", conv.ID, "messages", len(owned.Messages), "undo_entries", kept)
	return nil
}

// Conversation returns a deep copy of a conversation.
func (c *Controller) Conversation(chatID string) (*model.Conversation, bool) {
	e := c.entry(chatID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), true
}

// DeleteConversation removes a conversation and its undo stack without
// reverting anything.
func (c *Controller) DeleteConversation(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if c.active != nil && c.active.chatID == chatID {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	if _, ok := c.convs[chatID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, chatID)
	}
	delete(c.convs, chatID)
	c.mu.Unlock()

	dropped := c.ledger.Drop(chatID)
	if d, ok := c.sink.(ConversationDeleter); ok {
		if err := d.Delete(ctx, chatID); err != nil {
			return fmt.Errorf("delete conversation %s: %w", chatID, err)
		}
	}
	c.logger.Info("conversation deleted", "chat_id", chatID, "undo_entries_dropped", dropped)
	return nil
}

// FindPendingToolCalls lists tool calls that are waiting for a result.
func (c *Controller) FindPendingToolCalls(chatID string) []PendingToolCall {
	e := c.entry(chatID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var pending []PendingToolCall
	for _, msg := range e.conv.Messages {
		for _, tc := range msg.ToolCalls() {
			if tc.State == model.StateInputAvailable {
				pending = append(pending, PendingToolCall{
					ToolCallID: tc.ToolCallID,
					ToolName:   tc.ToolName,
					MessageID:  msg.ID,
				})
			}
		}
	}
	return pending
}

func (c *Controller) entry(chatID string) *conversationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convs[chatID]
}

// =============================================================================
// TURNS
// =============================================================================

// StartTurn runs one turn on chatID and blocks until it ends. Messages in
// history that the conversation does not hold yet are appended first.
//
// It returns ErrTurnInProgress when another turn is running. Cancellation
// (ctx or AbortActiveTurn) ends the turn quietly with a nil error; failures
// shown on the conversation, a watchdog expiry included, are returned as
// *SurfacedError.
func (c *Controller) StartTurn(ctx context.Context, chatID string, history []*model.Message, tc TurnContext) error {
	turnCtx, e, active, err := c.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer active.cancel(nil)

	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()

	t := &turnRun{
		c:          c,
		entry:      e,
		chatID:     chatID,
		generation: active.generation,
		opts:       opts,
		tc:         tc,
	}

	start := time.Now()
	c.logger.Info("turn started", "chat_id", chatID, "history", len(history))
	err = t.run(turnCtx, history)
	return c.finish(turnCtx, t, err, time.Since(start))
}

// AbortActiveTurn cancels the running turn, if any. Pending tool calls are
// marked aborted and working is cleared before it returns. Subsequent turns
// run under a fresh token. It reports whether anything was aborted.
func (c *Controller) AbortActiveTurn() bool {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return false
	}
	if !c.stop(active.generation, ErrTurnAborted, nil) {
		return false
	}
	c.logger.Info("turn aborted", "chat_id", active.chatID)
	return true
}

// RewindTo reverts every tool effect recorded after userMessageID, most
// recent first, then truncates the conversation to end at that message.
// Rewinding to a message that does not exist is a no-op; rewinding to one
// that is not a user message fails with undo.ErrNotUserMessage.
func (c *Controller) RewindTo(ctx context.Context, chatID, userMessageID string) error {
	rewindCtx, e, active, err := c.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer c.release(active.generation)
	defer active.cancel(nil)

	var rewindErr error
	_ = c.mutate(rewindCtx, e, func(conv *model.Conversation) error {
		exists := conv.GetMessageByID(userMessageID) != nil
		rewindErr = c.ledger.RewindTo(rewindCtx, conv, userMessageID)
		if errors.Is(rewindErr, undo.ErrNotUserMessage) {
			return nil
		}
		if rewindErr != nil {
			if cls := errclass.Classify(rewindErr); cls.Surfaced() {
				conv.SetError(conversationError(cls))
			}
			return nil
		}
		if exists {
			conv.ClearError()
		}
		return nil
	})
	c.saveLedger(rewindCtx, chatID)

	if rewindErr == nil {
		return nil
	}
	cls := errclass.Classify(rewindErr)
	if !cls.Surfaced() || errors.Is(rewindErr, undo.ErrNotUserMessage) {
		return rewindErr
	}
	return &SurfacedError{ChatID: chatID, Class: cls}
}

// acquire claims the single active slot for chatID.
func (c *Controller) acquire(ctx context.Context, chatID string) (context.Context, *conversationEntry, *activeTurn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, nil, nil, ErrTurnInProgress
	}
	e, ok := c.convs[chatID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrConversationNotFound, chatID)
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	c.generation++
	c.active = &activeTurn{chatID: chatID, generation: c.generation, cancel: cancel}
	return opCtx, e, c.active, nil
}

// release frees the active slot if generation still holds it.
func (c *Controller) release(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.generation != generation {
		return false
	}
	c.active = nil
	c.watchdog.Clear(workingKey)
	return true
}

// stop cancels the operation holding generation and cleans up after it
// synchronously: working is cleared, every timer is disarmed, pending tool
// calls are marked aborted and mark (if any) records the outcome.
//
// The conversation lock is held from the ownership check until the cleanup
// is committed, so a turn started right after the slot is freed cannot see
// or lose state to this cleanup. Lock order is conversation, then c.mu.
func (c *Controller) stop(generation uint64, cause error, mark func(conv *model.Conversation)) bool {
	c.mu.Lock()
	active := c.active
	if active == nil || active.generation != generation {
		c.mu.Unlock()
		return false
	}
	e := c.convs[active.chatID]
	c.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	c.mu.Lock()
	if c.active != active {
		c.mu.Unlock()
		return false
	}
	c.active = nil
	// A fresh generation means nothing the stopped turn still does can
	// touch state owned by the next one.
	c.generation++
	c.watchdog.Clear(workingKey)
	active.cancel(cause)
	// No other operation can hold call timers while this one owned the slot.
	c.dispatcher.Abort()
	c.mu.Unlock()

	if e != nil {
		abortPending(e.conv)
		if mark != nil {
			mark(e.conv)
		}
		e.conv.UpdatedAt = time.Now()
		c.commit(context.Background(), e.conv.Clone())
	}
	return true
}

// armWatchdog (re)arms the working watchdog for generation.
func (c *Controller) armWatchdog(generation uint64, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.generation != generation {
		return
	}
	c.watchdog.Set(workingKey, func() {
		expired := func(conv *model.Conversation) {
			conv.SetError(&model.ConversationError{
				Kind:    string(errclass.CategoryGeneric),
				Message: ErrWatchdogExpired.Error(),
			})
		}
		if c.stop(generation, ErrWatchdogExpired, expired) {
			c.logger.Warn("watchdog expired, working state cleared", "timeout", timeout)
		}
	}, timeout)
}

// owns reports whether generation still holds the active slot.
func (c *Controller) owns(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.generation == generation
}

// =============================================================================
// MUTATION
// =============================================================================

// mutate applies fn to the conversation under its lock and, if fn
// succeeds, commits a snapshot to the sink before releasing the lock.
func (c *Controller) mutate(ctx context.Context, e *conversationEntry, fn func(conv *model.Conversation) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.apply(ctx, e, fn)
}

// mutateOwned is mutate for an operation that may have been stopped: it
// refuses with errTurnStopped once generation no longer holds the slot.
func (c *Controller) mutateOwned(ctx context.Context, e *conversationEntry, generation uint64, fn func(conv *model.Conversation) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.owns(generation) {
		return errTurnStopped
	}
	return c.apply(ctx, e, fn)
}

// apply runs fn and commits. Callers hold e.mu.
func (c *Controller) apply(ctx context.Context, e *conversationEntry, fn func(conv *model.Conversation) error) error {
	if err := fn(e.conv); err != nil {
		return err
	}
	e.conv.UpdatedAt = time.Now()
	c.commit(ctx, e.conv.Clone())
	return nil
}

func (c *Controller) commit(ctx context.Context, snap *model.Conversation) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Commit(context.WithoutCancel(ctx), snap); err != nil {
		c.logger.Error("failed to commit conversation", "chat_id", snap.ID, "error", err)
	}
}

func (c *Controller) saveLedger(ctx context.Context, chatID string) {
	ls, ok := c.sink.(LedgerSink)
	if !ok {
		return
	}
	if err := ls.SaveUndo(context.WithoutCancel(ctx), chatID, c.ledger.Entries(chatID)); err != nil {
		c.logger.Error("failed to save undo stack", "chat_id", chatID, "error", err)
	}
}

// abortPending fails every tool call that has not produced a result.
func abortPending(conv *model.Conversation) int {
	n := 0
	for _, msg := range conv.Messages {
		for _, tc := range msg.ToolCalls() {
			if tc.State.Terminal() {
				continue
			}
			if err := tc.Fail(tools.AbortedMessage); err == nil {
				n++
			}
		}
	}
	return n
}

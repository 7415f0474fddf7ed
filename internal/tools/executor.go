// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/undo"
	"github.com/jeranaias/rigrun-turns/internal/watchdog"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// DefaultToolTimeout is applied per call when no timeout is configured.
const DefaultToolTimeout = 60 * time.Second

// TimeoutMessage is the error text of a call force-resolved by its timer.
const TimeoutMessage = "tool call timed out"

// AbortedMessage is the error text of a call cut short by cancellation.
const AbortedMessage = "aborted"

// maxOutputSize caps string outputs returned to the model.
const maxOutputSize = 30000

var (
	// ErrNoReverter is returned when an undo handle names a tool that
	// cannot revert.
	ErrNoReverter = errors.New("no reverter for tool")

	// ErrResultRejected is returned by a ResultFunc when the result can no
	// longer be applied to its part.
	ErrResultRejected = errors.New("tool result rejected")
)

// CallKey is the watchdog key type for per-call timeouts.
type CallKey string

// Call is one tool invocation to dispatch.
type Call struct {
	ID    string
	Name  string
	Input map[string]any
}

// ResultFunc is invoked once per settled call, serialised. A non-nil error
// means the result was not applied to the transcript.
type ResultFunc func(result model.ToolCallResult) error

// UndoRecorder receives undo entries for successful calls.
type UndoRecorder interface {
	Push(chatID string, e undo.Entry)
	Discard(ctx context.Context, e undo.Entry) error
}

// =============================================================================
// EXECUTION RECORD
// =============================================================================

// ExecutionRecord tracks the result of a tool execution for audit purposes.
type ExecutionRecord struct {
	ChatID     string
	ToolCallID string
	ToolName   string
	Success    bool
	ErrorCode  string
	Timestamp  time.Time
	Duration   time.Duration
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher executes the tool calls of one model step concurrently, each
// under its own timeout.
//
// Calls are assumed to be independent. Two calls touching the same file or
// external resource are not serialised here; tools that share state must
// coordinate among themselves.
type Dispatcher struct {
	timers *watchdog.Timers[CallKey]
	ledger UndoRecorder
	logger *slog.Logger

	mu      sync.Mutex
	timeout time.Duration
	history []ExecutionRecord
}

// NewDispatcher creates a dispatcher. timers may be shared with nothing else
// in the process; ledger may be nil when undo tracking is not wanted.
func NewDispatcher(timers *watchdog.Timers[CallKey], ledger UndoRecorder, logger *slog.Logger) *Dispatcher {
	if timers == nil {
		timers = watchdog.New[CallKey]()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		timers:  timers,
		ledger:  ledger,
		logger:  logger,
		timeout: DefaultToolTimeout,
	}
}

// SetTimeout changes the per-call timeout for subsequent dispatches.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// Timeout returns the per-call timeout.
func (d *Dispatcher) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// Abort disarms every pending call timer.
func (d *Dispatcher) Abort() int {
	return d.timers.ClearAll()
}

// History returns a copy of the execution history.
func (d *Dispatcher) History() []ExecutionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ExecutionRecord(nil), d.history...)
}

// Dispatch runs calls concurrently and returns one result per call, in call
// order. onEach fires as each call settles. A call settles exactly once: by
// finishing, by its timeout, or by ctx being cancelled; anything arriving
// after that is discarded, and a discarded success with an undo handle is
// reverted at once. No call is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []Call, registry Registry, snapshot *model.Conversation, onEach ResultFunc) []model.ToolCallResult {
	if len(calls) == 0 {
		return nil
	}

	chatID := ""
	if snapshot != nil {
		chatID = snapshot.ID
	}
	timeout := d.Timeout()
	results := make([]model.ToolCallResult, len(calls))

	var (
		wg      sync.WaitGroup
		applyMu sync.Mutex
	)
	wg.Add(len(calls))
	stops := make([]func() bool, 0, len(calls))

	for i, call := range calls {
		callCtx, cancel := context.WithCancel(ctx)
		start := time.Now()
		key := CallKey(call.ID)

		var once sync.Once

		// settle records the first result for the call and reports whether
		// res was that result.
		settle := func(res model.ToolCallResult) bool {
			won := false
			once.Do(func() {
				won = true
				defer wg.Done()
				d.timers.Clear(key)
				cancel()

				res.ToolCallID = call.ID
				res.ToolName = call.Name
				res.Duration = time.Since(start)
				results[i] = res

				applyMu.Lock()
				defer applyMu.Unlock()
				d.apply(ctx, chatID, res, onEach)
			})
			return won
		}

		d.timers.Set(key, func() {
			if settle(failure(model.ToolErrTimeout, TimeoutMessage)) {
				d.logger.Warn("tool call timed out", "tool", call.Name, "tool_call_id", call.ID, "timeout", timeout)
			}
		}, timeout)
		stops = append(stops, context.AfterFunc(ctx, func() {
			settle(failure(model.ToolErrAborted, AbortedMessage))
		}))

		env := Env{ChatID: chatID, ToolCallID: call.ID, History: snapshot}
		input := model.CloneInput(call.Input)
		go func() {
			res := d.run(callCtx, registry, call.Name, input, env)
			if !settle(res) && res.Success && res.Undo != nil {
				d.discard(ctx, call.ID, *res.Undo)
			}
		}()
	}

	wg.Wait()
	for _, stop := range stops {
		stop()
	}
	return results
}

// run executes one call, converting panics and errors into failures.
func (d *Dispatcher) run(ctx context.Context, registry Registry, name string, input map[string]any, env Env) (res model.ToolCallResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", name, "panic", r)
			res = failure(model.ToolErrFailed, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	out, err := registry.Execute(ctx, name, input, env)
	if err != nil {
		var toolErr *model.ToolError
		if errors.As(err, &toolErr) {
			return model.ToolCallResult{Error: toolErr}
		}
		return failure(model.ToolErrFailed, err.Error())
	}
	if s, ok := out.Output.(string); ok && len(s) > maxOutputSize {
		out.Output = s[:maxOutputSize] + "\n[output truncated]"
	}
	return model.ToolCallResult{Success: true, Output: out.Output, Undo: out.Undo}
}

// apply hands a settled result to onEach and records its undo entry.
// Callers hold applyMu.
func (d *Dispatcher) apply(ctx context.Context, chatID string, res model.ToolCallResult, onEach ResultFunc) {
	applied := true
	if onEach != nil {
		if err := onEach(res); err != nil {
			applied = false
			d.logger.Debug("tool result not applied", "tool_call_id", res.ToolCallID, "error", err)
		}
	}

	if res.Success && res.Undo != nil && d.ledger != nil {
		entry := undo.Entry{ToolCallID: res.ToolCallID, Handle: *res.Undo}
		if applied {
			d.ledger.Push(chatID, entry)
		} else {
			d.discard(ctx, res.ToolCallID, entry.Handle)
		}
	}

	rec := ExecutionRecord{
		ChatID:     chatID,
		ToolCallID: res.ToolCallID,
		ToolName:   res.ToolName,
		Success:    res.Success,
		Timestamp:  time.Now().Add(-res.Duration),
		Duration:   res.Duration,
	}
	if res.Error != nil {
		rec.ErrorCode = res.Error.Code
	}
	d.addToHistory(rec)
}

// discard reverts the effect of a result that arrived too late.
func (d *Dispatcher) discard(ctx context.Context, toolCallID string, handle model.UndoHandle) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.Discard(context.WithoutCancel(ctx), undo.Entry{ToolCallID: toolCallID, Handle: handle}); err != nil {
		d.logger.Error("failed to revert discarded tool effect", "tool_call_id", toolCallID, "error", err)
	}
}

// addToHistory appends a record, keeping the most recent 1000.
func (d *Dispatcher) addToHistory(rec ExecutionRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	const maxHistorySize = 1000
	if len(d.history) >= maxHistorySize {
		d.history = d.history[len(d.history)-maxHistorySize+1:]
	}
	d.history = append(d.history, rec)
}

func failure(code, message string) model.ToolCallResult {
	return model.ToolCallResult{Error: &model.ToolError{Code: code, Message: message}}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package turn drives agent turns: it streams a model response into the
// transcript, dispatches the tool calls the model asked for, and recurses
// until the model stops asking.
//
// # Key Types
//
//   - Controller: Owns conversations and runs at most one turn at a time
//   - Dependencies: Injected collaborators (transport, tools, credentials, sink)
//   - Options: Tunables such as the watchdog timeout and the recursion cap
//
// # Failure Handling
//
// Every failure is classified by the errclass package. Cancellation is
// silent, an expired credential is refreshed and the step replayed a bounded
// number of times, and everything else is surfaced on the conversation and
// returned as a *SurfacedError.
//
// # Usage
//
//	ctrl, err := turn.New(turn.Dependencies{
//	    Transport: transport,
//	    Tools:     tools.NewCatalog(root),
//	    Sink:      store,
//	    Logger:    logger,
//	}, turn.DefaultOptions())
//	conv := ctrl.NewConversation("")
//	err = ctrl.StartTurn(ctx, conv.ID, []*model.Message{model.NewUserMessage("hi")}, turn.TurnContext{})
package turn

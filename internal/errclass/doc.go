// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errclass maps failures raised during a turn to a recovery category.
//
// Transports and credential providers raise the typed errors declared here
// (QuotaError, TransportError, the Err* sentinels) so that Classify can
// recognise them with errors.Is and errors.As. Classify is total: anything
// it cannot recognise becomes CategoryGeneric.
//
// # Categories
//
//   - Cancelled: the turn was aborted; never surfaced to the user
//   - QuotaExceeded: rate or quota limit, carries a cooldown
//   - AuthExpired: access token rejected; retryable after a refresh
//   - InsufficientCredits: account balance exhausted
//   - TransportError: the model could not be reached or answered badly
//   - UndoFailure: reverting a tool effect failed during a rewind
//   - RecursionLimit: the turn exceeded its configured recursion depth
//   - Generic: everything else
package errclass

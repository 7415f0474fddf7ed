// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence and snapshot fan-out.
//
// Conversations and their undo ledgers live in a SQLite database (pure Go
// driver, schema managed with golang-migrate from embedded migrations).
//
// # Key Types
//
//   - Store: SQLite-backed sink for committed conversation snapshots
//   - Hub: non-blocking fan-out of snapshots to observers of one chat
//
// # Usage
//
//	store, err := storage.Open(filepath.Join(dataDir, "turns.db"), logger)
//	ctrl, err := turn.New(turn.Dependencies{Sink: store, ...}, opts)
//
//	updates, stop := store.Hub().Subscribe(chatID, 0)
//	defer stop()
//
// Commit is called by the turn controller after every mutation; observers
// never see a partially applied change.
package storage

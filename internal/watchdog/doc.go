// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package watchdog provides named, resettable one-shot timers.
//
// Timers is generic over its key type so each subsystem declares its own
// key type and keys from different subsystems can never collide:
//
//	type callKey string
//	timers := watchdog.New[callKey]()
//	timers.Set(callKey(id), onTimeout, 30*time.Second)
//
// Setting a key that is already armed replaces the old timer. A replaced or
// cleared timer never fires.
package watchdog

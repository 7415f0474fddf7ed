// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package watchdog

import (
	"sort"
	"sync"
	"time"
)

// Key is the constraint for timer keys. Subsystems use a named string type.
type Key interface {
	~string
}

// Handle describes an armed timer.
type Handle[K Key] struct {
	Key    K
	FireAt time.Time
}

type entry struct {
	timer  *time.Timer
	fireAt time.Time
	gen    uint64
}

// Timers is a table of one-shot timers keyed by K. Safe for concurrent use.
type Timers[K Key] struct {
	mu      sync.Mutex
	entries map[K]*entry
	gen     uint64
}

// New creates an empty timer table.
func New[K Key]() *Timers[K] {
	return &Timers[K]{entries: make(map[K]*entry)}
}

// Set arms fn to run once after delay, replacing any timer under key.
// fn runs on its own goroutine.
func (t *Timers[K]) Set(key K, fn func(), delay time.Duration) Handle[K] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
	}

	t.gen++
	gen := t.gen
	e := &entry{fireAt: time.Now().Add(delay), gen: gen}
	e.timer = time.AfterFunc(delay, func() {
		// A timer that was replaced or cleared after it started firing must
		// not run its callback.
		if !t.take(key, gen) {
			return
		}
		fn()
	})
	t.entries[key] = e
	return Handle[K]{Key: key, FireAt: e.fireAt}
}

// take removes key if it still belongs to generation gen.
func (t *Timers[K]) take(key K, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, key)
	return true
}

// Clear cancels the timer under key. It reports whether one was armed.
func (t *Timers[K]) Clear(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// ClearAll cancels every outstanding timer and returns how many were armed.
func (t *Timers[K]) ClearAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
	return n
}

// Armed reports whether a timer is pending under key.
func (t *Timers[K]) Armed(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Pending lists armed timers ordered by fire time.
func (t *Timers[K]) Pending() []Handle[K] {
	t.mu.Lock()
	handles := make([]Handle[K], 0, len(t.entries))
	for key, e := range t.entries {
		handles = append(handles, Handle[K]{Key: key, FireAt: e.fireAt})
	}
	t.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].FireAt.Before(handles[j].FireAt)
	})
	return handles
}

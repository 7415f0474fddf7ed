// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKey string

func TestSet_Fires(t *testing.T) {
	timers := New[testKey]()
	fired := make(chan struct{})
	timers.Set("a", func() { close(fired) }, 10*time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, timers.Armed("a"), "fired timer should be removed")
}

func TestSet_ReplacesExisting(t *testing.T) {
	timers := New[testKey]()
	var first, second atomic.Int32
	timers.Set("k", func() { first.Add(1) }, 20*time.Millisecond)
	timers.Set("k", func() { second.Add(1) }, 40*time.Millisecond)

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced timer must not fire")
}

func TestClear(t *testing.T) {
	timers := New[testKey]()
	var fired atomic.Bool
	timers.Set("k", func() { fired.Store(true) }, 20*time.Millisecond)

	assert.True(t, timers.Clear("k"))
	assert.False(t, timers.Clear("k"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestClearAll(t *testing.T) {
	timers := New[testKey]()
	var fired atomic.Int32
	for _, k := range []testKey{"a", "b", "c"} {
		timers.Set(k, func() { fired.Add(1) }, 20*time.Millisecond)
	}
	assert.Len(t, timers.Pending(), 3)
	assert.Equal(t, 3, timers.ClearAll())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Empty(t, timers.Pending())
}

func TestPending_OrderedByFireTime(t *testing.T) {
	timers := New[testKey]()
	defer timers.ClearAll()
	timers.Set("late", func() {}, time.Hour)
	timers.Set("early", func() {}, time.Minute)

	pending := timers.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, testKey("early"), pending[0].Key)
	assert.Equal(t, testKey("late"), pending[1].Key)
}

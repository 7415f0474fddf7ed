// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-turns/internal/model"
)

// DefaultSubscriberBuffer is the snapshot backlog a subscriber may have.
const DefaultSubscriberBuffer = 16

// Hub fans committed snapshots out to observers of a chat. Publishing never
// blocks: a subscriber whose buffer is full loses its oldest snapshot, so
// it always ends up holding the latest one.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	logger *slog.Logger
}

type subscription struct {
	chatID string
	ch     chan *model.Conversation
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		logger: logger,
	}
}

// Subscribe returns a channel of snapshots of chatID and a function that
// ends the subscription. The channel is closed when the subscription ends
// or the chat is deleted.
func (h *Hub) Subscribe(chatID string, buffer int) (<-chan *model.Conversation, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscription{chatID: chatID, ch: make(chan *model.Conversation, buffer)}

	h.mu.Lock()
	set, ok := h.subs[chatID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[chatID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(sub) }
}

// Publish sends a private copy of conv to every subscriber of its chat.
func (h *Hub) Publish(conv *model.Conversation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[conv.ID]
	if len(set) == 0 {
		return
	}
	for sub := range set {
		snap := conv.Clone()
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// Full: drop the oldest, then deliver.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
			h.logger.Debug("dropped snapshot for slow subscriber", "chat_id", conv.ID)
		}
	}
}

// Subscribers returns the number of live subscriptions for chatID.
func (h *Hub) Subscribers(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[chatID])
}

// CloseChat ends every subscription of chatID.
func (h *Hub) CloseChat(chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[chatID] {
		sub.close()
	}
	delete(h.subs, chatID)
}

// CloseAll ends every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, chatID)
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.chatID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.chatID)
		}
	}
	sub.close()
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package web

import (
	"sync"
)

// Hub fans fix reports out to websocket subscribers. It keeps the most
// recent report so a new subscriber gets an immediate sample.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	last   []byte
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan []byte),
	}
}

// Publish delivers a report to every subscriber. A subscriber whose
// buffer is full misses the report.
func (h *Hub) Publish(msg []byte) {
	h.mu.Lock()
	h.last = msg
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new report channel. The latest report, if any,
// is queued immediately.
func (h *Hub) Subscribe(buffer int) (int, <-chan []byte) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan []byte, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	last := h.last
	h.mu.Unlock()

	if last != nil {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

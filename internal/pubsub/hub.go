// Package pubsub fans values out to channel subscribers without ever blocking
// the publisher.
package pubsub

import "sync"

// Hub delivers published values to every subscriber. Queued hubs drop values
// for full subscribers; latest hubs replace the pending value so a slow reader
// only sees the newest one.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	latest bool
	closed bool
}

func NewQueued[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub[T]{subs: map[int]chan T{}, buffer: buffer}
}

func NewLatest[T any]() *Hub[T] {
	return &Hub[T]{subs: map[int]chan T{}, buffer: 1, latest: true}
}

// Subscribe registers a channel and, when initial is non-nil, primes it. The
// returned func closes the channel and is safe to call more than once.
func (h *Hub[T]) Subscribe(initial *T) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if initial != nil {
		ch <- *initial
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish returns how many subscribers missed v.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		if !h.latest {
			dropped++
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Close closes every subscription; later subscribers get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

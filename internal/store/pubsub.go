package store

import "sync"

// PubSubHub is the in-memory pubsub backing Cache when Redis is absent.
// Delivery is best-effort: a subscriber whose buffer is full drops the
// message rather than blocking the publisher.
type PubSubHub struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscription
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[string][]*memorySubscription),
	}
}

func (h *PubSubHub) Subscribe(channels ...string) *memorySubscription {
	sub := &memorySubscription{
		hub:      h,
		channels: channels,
		out:      make(chan Message, 100),
	}

	h.mu.Lock()
	for _, ch := range channels {
		h.subscribers[ch] = append(h.subscribers[ch], sub)
	}
	h.mu.Unlock()
	return sub
}

func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subs := h.subscribers[channel]
	h.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.send(msg)
	}
}

func (h *PubSubHub) remove(sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range sub.channels {
		subs := h.subscribers[ch]
		for i, s := range subs {
			if s == sub {
				h.subscribers[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

type memorySubscription struct {
	hub      *PubSubHub
	channels []string
	out      chan Message
	mu       sync.Mutex
	closed   bool
}

func (s *memorySubscription) Channel() <-chan Message { return s.out }

func (s *memorySubscription) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.hub.remove(s)
	return nil
}

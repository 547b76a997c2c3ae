package streaming

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("streaming: bus closed")

// Bus delivers events to in-process subscribers synchronously, in
// subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	order    map[string][]int
	next     int
	closed   bool
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		order:    make(map[string][]int),
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var hs []Handler
	for _, id := range b.order[topic] {
		if h, ok := b.handlers[topic][id]; ok {
			hs = append(hs, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event)
	}
	return nil
}

func (b *Bus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.next++
	id := b.next
	b.handlers[topic][id] = handler
	b.order[topic] = append(b.order[topic], id)
	return &busSubscription{bus: b, topic: topic, id: id}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[int]Handler)
	b.order = make(map[string][]int)
	return nil
}

type busSubscription struct {
	bus   *Bus
	topic string
	id    int
}

func (s *busSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers[s.topic], s.id)
	ids := s.bus.order[s.topic]
	for i, id := range ids {
		if id == s.id {
			s.bus.order[s.topic] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

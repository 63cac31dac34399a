package feed

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("feed broker closed")

// Broker is an in-process Publisher and Subscriber. A subscriber whose buffer
// is full is disconnected instead of blocking publishers: its events channel
// closes after the buffered events, so the consumer knows to catch up.
type Broker struct {
	mu     sync.Mutex
	subs   map[*memSubscription]struct{}
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		subs:   make(map[*memSubscription]struct{}),
		buffer: buffer,
	}
}

func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	for s := range b.subs {
		if !s.filter.Matches(ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			delete(b.subs, s)
			close(s.events)
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	s := &memSubscription{
		broker: b,
		filter: filter,
		events: make(chan Event, b.buffer),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Disconnect drops every live subscription, as a transport loss would.
// Events published before subscribers re-subscribe are lost.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		delete(b.subs, s)
		close(s.events)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() {
	b.Disconnect()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type memSubscription struct {
	broker *Broker
	filter Filter
	events chan Event
}

func (s *memSubscription) Events() <-chan Event { return s.events }

func (s *memSubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if _, ok := s.broker.subs[s]; ok {
		delete(s.broker.subs, s)
		close(s.events)
	}
	return nil
}

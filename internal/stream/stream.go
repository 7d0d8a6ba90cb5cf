// Package stream fans vault notifications out to live subscribers
// (SSE clients, audit followers). Delivery is fire-and-forget: the
// engine never waits on a subscriber and slow consumers lose events
// rather than block a state change.
package stream

import (
	"context"
	"sync"

	"healthlock.org/internal/vault"
)

// Stream fan-outs vault events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan vault.Event
	next int
}

var _ vault.Sink = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan vault.Event)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context
// ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan vault.Event {
	ch := make(chan vault.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt vault.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports active subscribers. Used by the readiness
// info endpoint and tests.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

package stream

import (
	"context"
	"sync"
	"time"

	"agentgrid.org/internal/notify"
)

// Event is a provisioning activity item for live dashboards: a request
// entering or leaving the queue, or a grant changing state.
type Event struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	GrantID   string    `json:"grant_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs provisioning events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

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
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
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

var _ notify.Sink = (*Stream)(nil)

// Notify lets the stream double as a notification sink, so workflow
// outcomes show up on the live feed without extra wiring.
func (s *Stream) Notify(_ context.Context, userID string, event notify.Event) error {
	s.Publish(Event{
		Kind:      event.Kind,
		UserID:    userID,
		AgentID:   event.AgentID,
		RequestID: event.RequestID,
		GrantID:   event.GrantID,
	})
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"time"

	"agentgrid.org/internal/obs"
)

// Event is a notification addressed to a user. Kind values follow the
// "request.approved" / "request.denied" naming used across the service.
type Event struct {
	Kind      string            `json:"kind"`
	AgentID   string            `json:"agent_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	GrantID   string            `json:"grant_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

const (
	EventRequestApproved = "request.approved"
	EventRequestDenied   = "request.denied"
	EventGrantRevoked    = "grant.revoked"
	EventGrantSuspended  = "grant.suspended"
)

// Sink delivers events to users. Delivery is fire-and-forget from the
// workflow's perspective: a failing sink never rolls back the decision
// that triggered the notification.
type Sink interface {
	Notify(ctx context.Context, userID string, event Event) error
}

// Multi fans an event out to several sinks. The first error is
// returned after every sink has been tried.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) Notify(ctx context.Context, userID string, event Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, userID, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes notifications as JSON lines through the shared
// logger. It stands in for an outbound email/push integration.
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Notify(_ context.Context, userID string, event Event) error {
	entry := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"type":    "notification",
		"user_id": userID,
		"event":   event,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

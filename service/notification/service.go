// Package notification defines the outbound notification surface of the
// engine.  The engine publishes events when approval requests are created,
// escalated or decided; delivery (email, chat, webhooks) is left to the
// Notifier implementation.
package notification

import (
	"context"
	"time"
)

// Event topics emitted by the engine.
const (
	TopicRequestCreated   = "request.created"
	TopicRequestReminder  = "request.reminder"
	TopicRequestEscalated = "request.escalated"
	TopicRequestDecided   = "request.decided"
	TopicStepCompleted    = "step.completed"
	TopicInstanceFinished = "instance.finished"
)

// Event is a single notification emitted by the engine.
type Event struct {
	ID         string                 `json:"id"`
	Topic      string                 `json:"topic"`
	InstanceID string                 `json:"instanceID,omitempty"`
	StepID     string                 `json:"stepID,omitempty"`
	RequestID  string                 `json:"requestID,omitempty"`
	Recipient  string                 `json:"recipient,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Notifier delivers events.  Implementations must be safe for concurrent use;
// the engine treats delivery as fire-and-forget and never blocks process
// advancement on a Notify call.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *Event) error { return nil }

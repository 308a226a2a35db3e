package qbroker

import (
	"context"
	"time"

	"github.com/coregx/qbroker/model"
)

// EventType names a queue transition or broker action.
type EventType string

// Event types emitted by queues and the broker.
const (
	EventQueueCreated   EventType = "queue.created"
	EventSubscribed     EventType = "queue.subscribed"
	EventUnsubscribed   EventType = "queue.unsubscribed"
	EventPurged         EventType = "queue.purged"
	EventPublished      EventType = "message.published"
	EventProcessing     EventType = "message.processing"
	EventAcknowledged   EventType = "message.acknowledged"
	EventCompleted      EventType = "message.completed"
	EventError          EventType = "message.error"
	EventRetryScheduled EventType = "message.retry_scheduled"
	EventDeadLetter     EventType = "message.dead_letter"
	EventRequeued       EventType = "message.requeued"
)

// Event reports one transition or action. Message is a snapshot taken at
// emission time and is nil for queue-level events.
type Event struct {
	Type    EventType
	Queue   string
	Message *model.Message
	Err     error
	Count   int           // Affected messages for purge events
	Delay   time.Duration // Backoff for retry events
	Time    time.Time
}

// MessageID returns the ID of the message the event refers to, if any.
func (e Event) MessageID() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.ID
}

// Observer receives broker events.
//
// Events are a side channel: they report transitions after the fact and never
// drive them. An error returned by an observer is logged and otherwise ignored.
// Implementations might forward to metrics, audit logs, or alerting systems.
type Observer interface {
	OnEvent(ctx context.Context, event Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event) error

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// LoggingObserver is a simple implementation that logs events.
// Failures and dead-letters are logged as warnings, everything else at debug level.
type LoggingObserver struct {
	logger Logger
}

// NewLoggingObserver creates a new LoggingObserver.
func NewLoggingObserver(logger Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

// OnEvent logs the event.
func (o *LoggingObserver) OnEvent(_ context.Context, e Event) error {
	switch e.Type {
	case EventDeadLetter:
		o.logger.Warnf("Message moved to dead-letter: queue=%s, message_id=%s, retries=%d, error=%v",
			e.Queue, e.MessageID(), retriesOf(e), e.Err)
	case EventError:
		o.logger.Warnf("Delivery failed: queue=%s, message_id=%s, attempt=%d, error=%v",
			e.Queue, e.MessageID(), retriesOf(e)+1, e.Err)
	case EventRetryScheduled:
		o.logger.Debugf("Retry scheduled: queue=%s, message_id=%s, retries=%d, delay=%v",
			e.Queue, e.MessageID(), retriesOf(e), e.Delay)
	case EventPurged:
		o.logger.Debugf("Purged %d completed messages from queue %s", e.Count, e.Queue)
	default:
		o.logger.Debugf("Event %s: queue=%s, message_id=%s", e.Type, e.Queue, e.MessageID())
	}
	return nil
}

func retriesOf(e Event) int {
	if e.Message == nil {
		return 0
	}
	return e.Message.Retries
}

// notifier fans events out to observers without letting them affect the caller.
type notifier struct {
	observers []Observer
	logger    Logger
}

func (n *notifier) emit(ctx context.Context, e Event) {
	for _, o := range n.observers {
		n.deliver(ctx, o, e)
	}
}

func (n *notifier) deliver(ctx context.Context, o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("Observer panicked on %s: %v", e.Type, r)
		}
	}()

	if err := o.OnEvent(ctx, e); err != nil {
		n.logger.Warnf("Failed to send %s notification: %v", e.Type, err)
	}
}

func (e EventType) String() string {
	return string(e)
}

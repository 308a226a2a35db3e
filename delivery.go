package qbroker

import (
	"context"
	"fmt"

	"github.com/coregx/qbroker/model"
)

// SubscriptionID identifies a registered handler within its queue.
type SubscriptionID uint64

// Handler processes one delivery. Returning an error marks the attempt as
// failed; returning nil without calling Ack counts as not acknowledged and is
// retried the same way.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery is one message handed to one subscriber.
// Message is a private copy; mutating it has no effect on the queue.
type Delivery struct {
	Message model.Message

	ctx   context.Context
	queue *Queue
}

// Ack acknowledges the delivered message.
// Returns false if the message was already acknowledged by another subscriber.
func (d *Delivery) Ack() bool {
	return d.queue.Acknowledge(d.ctx, d.Message.ID)
}

type subscriber struct {
	id      SubscriptionID
	handler Handler
}

// invoke runs the handler and converts a panic into an error.
func (s subscriber) invoke(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %d panicked: %v", s.id, r)
		}
	}()
	return s.handler(ctx, d)
}

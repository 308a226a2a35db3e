// Package qbroker provides a durable in-process message queue broker for Go
// with priority ordering, delayed delivery, retry with exponential backoff,
// and dead-letter handling.
//
// Works both as a library embedded in your application AND as a standalone
// service with a REST API (see cmd/qbroker-server).
//
// # Features
//
//   - Named queues created on first use, each with its own retry policy
//   - Priority ordering: higher priority first, FIFO within equal priority
//   - Delayed messages that become eligible at a future time
//   - Explicit acknowledgement: a delivery that is not acked is retried
//   - Exponential backoff between attempts, optionally capped
//   - Dead-letter partition per queue, with requeue support
//   - Fanout to several queues and topic routing with * and # wildcards
//   - Append-only persistence with crash recovery (memory, file, Pebble, SQL)
//   - Lifecycle events for observers, Prometheus metrics included
//   - Options Pattern for configuration
//
// # Quick Start
//
//	storage, _ := file.New(file.Options{Dir: "./data"})
//
//	broker, err := qbroker.NewBroker(
//	    qbroker.WithStorage(storage),
//	    qbroker.WithLogger(qbroker.NewSlogLogger(slog.Default())),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close()
//
//	// Reload every queue found in storage
//	if _, err := broker.Restore(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	broker.Subscribe(ctx, "emails", func(ctx context.Context, d *qbroker.Delivery) error {
//	    if err := send(d.Message.Payload); err != nil {
//	        return err // retried with backoff
//	    }
//	    d.Ack()
//	    return nil
//	})
//
//	broker.Publish(ctx, "emails", model.Payload{"to": "user@example.com"}, qbroker.PublishOptions{
//	    Priority: 5,
//	})
//
// # Message Lifecycle
//
//	pending ──deliver──▶ processing ──ack──▶ completed ──purge──▶ (removed)
//	   ▲                     │
//	   └──backoff (retry)────┤
//	                         └──retries exhausted──▶ dead ──requeue──▶ pending
//
// One message per queue is in flight at a time. Every subscriber receives the
// delivery; the first acknowledgement wins. When no subscriber acknowledges
// before the handlers return, the attempt counts as failed.
//
// # Retry Strategy
//
// With the default policy (MaxRetries 3, RetryDelay 1s, multiplier 2):
//
//	Attempt 1: Immediate
//	Attempt 2: +1 second
//	Attempt 3: +2 seconds
//	Attempt 4: +4 seconds (moves to dead-letter if it fails)
//
// # Persistence
//
// Every state change appends a revision of the message to the queue's
// partition; dead letters go to the "<queue>.dead-letter" partition.
// On restore the highest revision of each message wins, completed messages
// are dropped and messages caught mid-delivery are made pending again.
// Unreadable records are skipped with a warning.
package qbroker

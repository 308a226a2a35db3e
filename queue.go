package qbroker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coregx/qbroker/model"
	"github.com/coregx/qbroker/retry"
)

// Queue is a named, durable message queue.
//
// A queue owns its live messages (pending, processing and completed), its
// dead-letter set and its subscribers. Every state change is appended to
// storage as a new revision of the message record, so the queue can be
// rebuilt after a restart.
//
// Delivery is at-least-once: a message is offered to all subscribers at once,
// the first Ack completes it, and a failed or unacknowledged attempt is retried
// with exponential backoff until MaxRetries is exhausted.
//
// Thread safety: Safe for concurrent use. Storage and observer calls are made
// outside the queue lock.
type Queue struct {
	name     string
	config   QueueConfig
	strategy retry.Strategy
	storage  Storage
	logger   Logger
	notifier *notifier
	now      func() time.Time

	mu          sync.Mutex
	messages    map[string]*model.Message
	deadLetters []*model.Message
	subscribers []subscriber
	nextSubID   SubscriptionID
	sequence    int64

	inFlight atomic.Bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type queueDeps struct {
	storage  Storage
	logger   Logger
	notifier *notifier
	now      func() time.Time
}

// newQueue creates a queue and restores its persisted state.
func newQueue(ctx context.Context, name string, cfg QueueConfig, deps queueDeps) (*Queue, error) {
	q := &Queue{
		name:     name,
		config:   cfg,
		strategy: cfg.Strategy(),
		storage:  deps.storage,
		logger:   deps.logger,
		notifier: deps.notifier,
		now:      deps.now,
		messages: make(map[string]*model.Message),
	}

	if err := q.restore(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// restore rebuilds the live and dead-letter sets from storage.
// Messages interrupted while processing are delivered again.
func (q *Queue) restore(ctx context.Context) error {
	live, err := q.storage.Load(ctx, q.name)
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, fmt.Sprintf("failed to load queue %s", q.name), err)
	}
	dead, err := q.storage.Load(ctx, DeadLetterPartition(q.name))
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, fmt.Sprintf("failed to load dead-letters of queue %s", q.name), err)
	}

	var restored, interrupted int
	for _, m := range model.Reconcile(live, dead) {
		m.Queue = q.name
		if m.Sequence > q.sequence {
			q.sequence = m.Sequence
		}

		switch m.Status {
		case model.StatusCompleted:
			continue
		case model.StatusDead:
			q.deadLetters = append(q.deadLetters, &m)
		case model.StatusProcessing:
			m.Status = model.StatusPending
			interrupted++
			q.messages[m.ID] = &m
		default:
			q.messages[m.ID] = &m
		}
		restored++
	}

	// Dead letters keep the order they died in, which is the order of
	// their last record in the dead-letter partition.
	deathOrder := make(map[string]int, len(dead))
	for i, m := range dead {
		deathOrder[m.ID] = i
	}
	slices.SortStableFunc(q.deadLetters, func(a, b *model.Message) int {
		return deathOrder[a.ID] - deathOrder[b.ID]
	})

	if restored > 0 {
		q.logger.Infof("Restored queue %s: %d live, %d dead-letter, %d interrupted",
			q.name, len(q.messages), len(q.deadLetters), interrupted)
	}
	return nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Config returns the queue's effective configuration.
func (q *Queue) Config() QueueConfig {
	return q.config
}

// Publish enqueues a message and returns its ID.
// The message is saved to storage before Publish returns; a storage failure
// is reported as ErrCodeStorage and the message is not enqueued.
func (q *Queue) Publish(ctx context.Context, payload model.Payload, opts PublishOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", NewErrorWithCause(ErrCodeValidation, "invalid publish options", err)
	}

	maxRetries := q.config.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	m := model.NewMessage(q.name, maps.Clone(payload), opts.Priority, maxRetries, opts.Delay, q.now())
	m.Revision = 1

	q.mu.Lock()
	q.sequence++
	m.Sequence = q.sequence
	q.mu.Unlock()

	if err := q.storage.Save(ctx, q.name, m); err != nil {
		return "", NewErrorWithCause(ErrCodeStorage, fmt.Sprintf("failed to save message to queue %s", q.name), err)
	}

	stored := m.Clone()
	q.mu.Lock()
	q.messages[m.ID] = &stored
	q.mu.Unlock()

	q.logger.Debugf("Published message %s to queue %s (priority=%d, delay=%v)", m.ID, q.name, m.Priority, opts.Delay)
	q.emit(ctx, Event{Type: EventPublished, Message: &m})
	return m.ID, nil
}

// Subscribe registers a handler and returns its subscription ID.
func (q *Queue) Subscribe(handler Handler) SubscriptionID {
	q.mu.Lock()
	q.nextSubID++
	id := q.nextSubID
	q.subscribers = append(q.subscribers, subscriber{id: id, handler: handler})
	q.mu.Unlock()

	q.emit(context.Background(), Event{Type: EventSubscribed})
	return id
}

// Unsubscribe removes a handler. Returns false if id is not subscribed.
func (q *Queue) Unsubscribe(id SubscriptionID) bool {
	q.mu.Lock()
	idx := slices.IndexFunc(q.subscribers, func(s subscriber) bool { return s.id == id })
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.subscribers = slices.Delete(q.subscribers, idx, idx+1)
	q.mu.Unlock()

	q.emit(context.Background(), Event{Type: EventUnsubscribed})
	return true
}

// Acknowledge completes a message that is being processed.
// Returns false for unknown IDs, messages that are not being processed, and
// repeated acknowledgements.
func (q *Queue) Acknowledge(ctx context.Context, messageID string) bool {
	now := q.now()

	q.mu.Lock()
	m, ok := q.messages[messageID]
	if !ok || m.Acknowledge(now) != nil {
		q.mu.Unlock()
		return false
	}
	m.Revision++
	snapshot := m.Clone()
	q.mu.Unlock()

	q.persist(ctx, q.name, snapshot)
	q.emit(ctx, Event{Type: EventAcknowledged, Message: &snapshot})
	q.emit(ctx, Event{Type: EventCompleted, Message: &snapshot})
	return true
}

// ProcessNext delivers the next eligible message to all subscribers and waits
// for them to finish. Returns true if a message was delivered.
//
// Only one ProcessNext runs per queue at a time; a concurrent call returns
// false immediately. Nothing is delivered while the queue has no subscribers.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	if !q.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer q.inFlight.Store(false)

	now := q.now()

	q.mu.Lock()
	if len(q.subscribers) == 0 {
		q.mu.Unlock()
		return false
	}
	m := q.nextEligibleLocked(now)
	if m == nil {
		q.mu.Unlock()
		return false
	}
	if err := m.MarkProcessing(now); err != nil {
		q.mu.Unlock()
		q.logger.Errorf("Cannot deliver message %s: %v", m.ID, err)
		return false
	}
	m.Revision++
	snapshot := m.Clone()
	subs := slices.Clone(q.subscribers)
	q.mu.Unlock()

	q.persist(ctx, q.name, snapshot)
	q.emit(ctx, Event{Type: EventProcessing, Message: &snapshot})

	err := q.deliver(ctx, subs, snapshot)
	q.resolve(ctx, snapshot.ID, err)
	return true
}

// nextEligibleLocked returns the eligible message that sorts first.
func (q *Queue) nextEligibleLocked(now time.Time) *model.Message {
	var next *model.Message
	for _, m := range q.messages {
		if !m.IsEligible(now) {
			continue
		}
		if next == nil || m.Before(next) {
			next = m
		}
	}
	return next
}

// deliver invokes every subscriber concurrently and returns the first error.
func (q *Queue) deliver(ctx context.Context, subs []subscriber, m model.Message) error {
	var g errgroup.Group
	for _, s := range subs {
		d := &Delivery{Message: m.Clone(), ctx: ctx, queue: q}
		g.Go(func() error {
			return s.invoke(ctx, d)
		})
	}
	return g.Wait()
}

// resolve settles a delivered message: an acknowledged message stays
// completed, anything else is retried or dead-lettered.
func (q *Queue) resolve(ctx context.Context, id string, deliveryErr error) {
	now := q.now()

	q.mu.Lock()
	m, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return
	}

	if m.Status == model.StatusCompleted {
		snapshot := m.Clone()
		q.mu.Unlock()
		if deliveryErr != nil {
			q.logger.Warnf("Subscriber failed on acknowledged message %s (queue=%s): %v", id, q.name, deliveryErr)
			q.emit(ctx, Event{Type: EventError, Message: &snapshot, Err: deliveryErr})
		}
		return
	}

	reason := error(ErrNotAcknowledged)
	if deliveryErr != nil {
		reason = deliveryErr
	}

	if m.ShouldDeadLetter() {
		if err := m.MarkDead(reason.Error(), now); err != nil {
			q.mu.Unlock()
			q.logger.Errorf("Cannot dead-letter message %s: %v", id, err)
			return
		}
		m.Revision++
		delete(q.messages, id)
		q.deadLetters = append(q.deadLetters, m)
		snapshot := m.Clone()
		q.mu.Unlock()

		q.persist(ctx, DeadLetterPartition(q.name), snapshot)
		if deliveryErr != nil {
			q.emit(ctx, Event{Type: EventError, Message: &snapshot, Err: deliveryErr})
		}
		q.logger.Warnf("Moving message %s to dead-letter (queue=%s, retries=%d, max_retries=%d): %v",
			id, q.name, snapshot.Retries, snapshot.MaxRetries, reason)
		q.emit(ctx, Event{Type: EventDeadLetter, Message: &snapshot, Err: reason})
		return
	}

	delay := q.strategy.Delay(m.Retries + 1)
	if err := m.ScheduleRetry(reason.Error(), delay, now); err != nil {
		q.mu.Unlock()
		q.logger.Errorf("Cannot schedule retry for message %s: %v", id, err)
		return
	}
	m.Revision++
	snapshot := m.Clone()
	q.mu.Unlock()

	q.persist(ctx, q.name, snapshot)
	if deliveryErr != nil {
		q.emit(ctx, Event{Type: EventError, Message: &snapshot, Err: deliveryErr})
	}
	q.logger.Debugf("Retry %d/%d for message %s in %v (queue=%s)",
		snapshot.Retries, snapshot.MaxRetries, id, delay, q.name)
	q.emit(ctx, Event{Type: EventRetryScheduled, Message: &snapshot, Err: reason, Delay: delay})
}

// PurgeCompleted drops completed messages from memory and returns how many
// were removed. Their records stay in storage and are ignored on restore.
func (q *Queue) PurgeCompleted(ctx context.Context) int {
	q.mu.Lock()
	purged := 0
	for id, m := range q.messages {
		if m.Status == model.StatusCompleted {
			delete(q.messages, id)
			purged++
		}
	}
	q.mu.Unlock()

	if purged > 0 {
		q.logger.Debugf("Purged %d completed messages from queue %s", purged, q.name)
		q.emit(ctx, Event{Type: EventPurged, Count: purged})
	}
	return purged
}

// Stats returns a point-in-time snapshot of the queue counters.
func (q *Queue) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := model.QueueStats{
		QueueName:          q.name,
		TotalMessages:      len(q.messages),
		DeadLetterMessages: len(q.deadLetters),
		SubscriberCount:    len(q.subscribers),
	}
	for _, m := range q.messages {
		switch m.Status {
		case model.StatusPending:
			stats.PendingMessages++
		case model.StatusProcessing:
			stats.ProcessingMessages++
		case model.StatusCompleted:
			stats.CompletedMessages++
		}
	}
	return stats
}

// Messages returns copies of the live messages in delivery order.
func (q *Queue) Messages() []model.Message {
	q.mu.Lock()
	out := make([]model.Message, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.Clone())
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Message) int {
		switch {
		case a.Before(&b):
			return -1
		case b.Before(&a):
			return 1
		default:
			return 0
		}
	})
	return out
}

// DeadLetterMessages returns copies of the dead-lettered messages in the
// order they died.
func (q *Queue) DeadLetterMessages() []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Message, 0, len(q.deadLetters))
	for _, m := range q.deadLetters {
		out = append(out, m.Clone())
	}
	return out
}

// RequeueDeadLetters moves every dead-lettered message back to pending with
// its retry count reset. Returns the number of requeued messages.
// Messages are requeued in memory even if persisting them fails.
func (q *Queue) RequeueDeadLetters(ctx context.Context) (int, error) {
	now := q.now()

	q.mu.Lock()
	dead := q.deadLetters
	q.deadLetters = nil
	snapshots := make([]model.Message, 0, len(dead))
	for _, m := range dead {
		if err := m.Requeue(now); err != nil {
			continue
		}
		m.Revision++
		q.messages[m.ID] = m
		snapshots = append(snapshots, m.Clone())
	}
	q.mu.Unlock()

	var errs []error
	for i := range snapshots {
		if err := q.storage.Save(ctx, q.name, snapshots[i]); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", snapshots[i].ID, err))
		}
		q.emit(ctx, Event{Type: EventRequeued, Message: &snapshots[i]})
	}

	if len(snapshots) > 0 {
		q.logger.Infof("Requeued %d dead-letter messages in queue %s", len(snapshots), q.name)
	}
	if len(errs) > 0 {
		return len(snapshots), NewErrorWithCause(ErrCodeStorage,
			fmt.Sprintf("failed to persist requeued messages in queue %s", q.name), errors.Join(errs...))
	}
	return len(snapshots), nil
}

// Start launches the processing loop. Calling Start on a running queue is a no-op.
func (q *Queue) Start() {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()

	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
}

// Stop halts the processing loop and waits for an in-flight delivery to settle.
func (q *Queue) Stop() {
	q.loopMu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the processing loop is active.
func (q *Queue) Running() bool {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	return q.cancel != nil
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.config.ProcessingInterval)
	defer ticker.Stop()

	q.logger.Debugf("Queue %s processing started (interval=%v)", q.name, q.config.ProcessingInterval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Debugf("Queue %s processing stopped", q.name)
			return
		case <-ticker.C:
			q.ProcessNext(ctx)
		}
	}
}

// persist appends a record revision. Failures are logged; in-memory state
// stays authoritative for the running process.
func (q *Queue) persist(ctx context.Context, partition string, m model.Message) {
	if err := q.storage.Save(context.WithoutCancel(ctx), partition, m); err != nil {
		q.logger.Errorf("Failed to persist message %s to %s: %v", m.ID, partition, err)
	}
}

func (q *Queue) emit(ctx context.Context, e Event) {
	e.Queue = q.name
	e.Time = q.now()
	q.notifier.emit(ctx, e)
}

package qbroker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coregx/qbroker/internal/routing"
	"github.com/coregx/qbroker/model"
)

// Broker is a registry of named queues sharing one storage backend, logger
// and set of observers.
//
// Queues are created lazily on first use and restored from storage when
// created. Publishing to a name that does not exist yet creates the queue.
//
// Thread safety: Safe for concurrent use.
type Broker struct {
	storage   Storage
	logger    Logger
	observers []Observer
	notifier  *notifier
	defaults  QueueConfig
	autoStart bool
	now       func() time.Time

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool
	group  singleflight.Group
}

// NewBroker creates a new broker with the provided options.
//
// Required options:
//   - WithStorage: persistence backend
//   - WithLogger: logger instance
//
// Optional options:
//   - WithObservers: event observers (default: none)
//   - WithDefaultQueueConfig: queue policy (default: DefaultQueueConfig())
//   - WithAutoStart: start queue loops on creation (default: true)
//   - WithClock: time source (default: time.Now)
//
// Example:
//
//	broker, err := qbroker.NewBroker(
//	    qbroker.WithStorage(memory.New()),
//	    qbroker.WithLogger(&qbroker.NoopLogger{}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close()
func NewBroker(opts ...Option) (*Broker, error) {
	b := &Broker{
		defaults:  DefaultQueueConfig(),
		autoStart: true,
		now:       time.Now,
		queues:    make(map[string]*Queue),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if b.storage == nil {
		return nil, NewError(ErrCodeConfiguration, "Storage is required (use WithStorage)")
	}
	if b.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	b.notifier = &notifier{observers: b.observers, logger: b.logger}
	return b, nil
}

// GetQueue returns the named queue, creating and restoring it on first use.
// Options apply only when the queue is created; later calls get the existing
// queue unchanged.
func (b *Broker) GetQueue(ctx context.Context, name string, opts ...QueueOption) (*Queue, error) {
	if q, err := b.lookup(name); q != nil || err != nil {
		return q, err
	}
	if err := validateQueueName(name); err != nil {
		return nil, err
	}

	v, err, _ := b.group.Do(name, func() (interface{}, error) {
		if q, err := b.lookup(name); q != nil || err != nil {
			return q, err
		}
		return b.createQueue(ctx, name, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Queue), nil
}

func (b *Broker) createQueue(ctx context.Context, name string, opts []QueueOption) (*Queue, error) {
	cfg := b.defaults
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("invalid config for queue %s", name), err)
	}

	q, err := newQueue(ctx, name, cfg, queueDeps{
		storage:  b.storage,
		logger:   b.logger,
		notifier: b.notifier,
		now:      b.now,
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.queues[name] = q
	b.mu.Unlock()

	b.logger.Infof("Queue created: %s (max_retries=%d, backoff=%s)", name, cfg.MaxRetries, q.strategy.Schedule())
	q.emit(ctx, Event{Type: EventQueueCreated})

	if b.autoStart {
		q.Start()
	}
	return q, nil
}

// lookup returns an existing queue, or ErrBrokerClosed after Close.
func (b *Broker) lookup(name string) (*Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	return b.queues[name], nil
}

// existing returns a registered queue without creating it.
func (b *Broker) existing(name string) (*Queue, bool) {
	q, err := b.lookup(name)
	return q, err == nil && q != nil
}

// selectQueues returns the named existing queues, or every queue when no
// names are given.
func (b *Broker) selectQueues(names []string) []*Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(names) == 0 {
		names = b.sortedNamesLocked()
	}
	out := make([]*Queue, 0, len(names))
	for _, name := range names {
		if q, ok := b.queues[name]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (b *Broker) sortedNamesLocked() []string {
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Publish enqueues a message on the named queue, creating the queue if needed.
func (b *Broker) Publish(ctx context.Context, name string, payload model.Payload, opts PublishOptions) (string, error) {
	q, err := b.GetQueue(ctx, name)
	if err != nil {
		return "", err
	}
	return q.Publish(ctx, payload, opts)
}

// PublishDelayed enqueues a message that becomes deliverable after delay.
func (b *Broker) PublishDelayed(ctx context.Context, name string, payload model.Payload, delay time.Duration) (string, error) {
	return b.Publish(ctx, name, payload, PublishOptions{Delay: delay})
}

// PublishPriority enqueues a message with the given priority.
func (b *Broker) PublishPriority(ctx context.Context, name string, payload model.Payload, priority int) (string, error) {
	return b.Publish(ctx, name, payload, PublishOptions{Priority: priority})
}

// Fanout publishes an independent copy of payload to each named queue.
// The returned IDs follow the order of names. On failure, the IDs published
// so far are returned with the error.
func (b *Broker) Fanout(ctx context.Context, names []string, payload model.Payload, opts PublishOptions) ([]string, error) {
	if len(names) == 0 {
		return nil, NewError(ErrCodeValidation, "fanout requires at least one queue")
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := b.Publish(ctx, name, payload, opts)
		if err != nil {
			return ids, fmt.Errorf("fanout to %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PublishTopic publishes a copy of payload to every existing queue whose name
// matches pattern. Queues are never created by topic publishing.
//
// A pattern without wildcards matches names that start with it. With
// wildcards, names are matched word by word on dots: "*" matches one word and
// "#" matches zero or more words.
func (b *Broker) PublishTopic(ctx context.Context, pattern string, payload model.Payload, opts PublishOptions) ([]string, error) {
	if pattern == "" {
		return nil, NewError(ErrCodeValidation, "topic pattern cannot be empty")
	}

	var targets []string
	for _, name := range b.QueueNames() {
		if routing.Match(pattern, name) {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		b.logger.Debugf("No queues match topic %s", pattern)
		return []string{}, nil
	}
	return b.Fanout(ctx, targets, payload, opts)
}

// Subscribe registers a handler on the named queue, creating the queue if needed.
func (b *Broker) Subscribe(ctx context.Context, name string, handler Handler) (SubscriptionID, error) {
	if handler == nil {
		return 0, NewError(ErrCodeValidation, "handler cannot be nil")
	}
	q, err := b.GetQueue(ctx, name)
	if err != nil {
		return 0, err
	}
	return q.Subscribe(handler), nil
}

// Unsubscribe removes a handler. Returns false for unknown queues or IDs.
func (b *Broker) Unsubscribe(name string, id SubscriptionID) bool {
	q, ok := b.existing(name)
	if !ok {
		return false
	}
	return q.Unsubscribe(id)
}

// Acknowledge completes a message being processed on the named queue.
func (b *Broker) Acknowledge(ctx context.Context, name, messageID string) bool {
	q, ok := b.existing(name)
	if !ok {
		return false
	}
	return q.Acknowledge(ctx, messageID)
}

// Stats returns the counters of one queue.
func (b *Broker) Stats(name string) (model.QueueStats, bool) {
	q, ok := b.existing(name)
	if !ok {
		return model.QueueStats{}, false
	}
	return q.Stats(), true
}

// StatsAll returns the counters of every queue.
func (b *Broker) StatsAll() model.BrokerStats {
	queues := b.selectQueues(nil)
	stats := model.BrokerStats{
		TotalQueues: len(queues),
		Queues:      make(map[string]model.QueueStats, len(queues)),
	}
	for _, q := range queues {
		stats.Queues[q.name] = q.Stats()
	}
	return stats
}

// DeadLetterMessages returns the dead-lettered messages of one queue,
// or nil if the queue does not exist.
func (b *Broker) DeadLetterMessages(name string) []model.Message {
	q, ok := b.existing(name)
	if !ok {
		return nil
	}
	return q.DeadLetterMessages()
}

// AllDeadLetterMessages returns the dead-lettered messages of every queue
// that has any.
func (b *Broker) AllDeadLetterMessages() map[string][]model.Message {
	out := make(map[string][]model.Message)
	for _, q := range b.selectQueues(nil) {
		if dead := q.DeadLetterMessages(); len(dead) > 0 {
			out[q.name] = dead
		}
	}
	return out
}

// RequeueDeadLetters moves the dead-lettered messages of a queue back to
// pending. Unknown queues requeue nothing.
func (b *Broker) RequeueDeadLetters(ctx context.Context, name string) (int, error) {
	q, ok := b.existing(name)
	if !ok {
		return 0, nil
	}
	return q.RequeueDeadLetters(ctx)
}

// PurgeCompleted drops completed messages from the named queues, or from
// every queue when no names are given. Returns the total removed.
func (b *Broker) PurgeCompleted(ctx context.Context, names ...string) int {
	total := 0
	for _, q := range b.selectQueues(names) {
		total += q.PurgeCompleted(ctx)
	}
	return total
}

// StartProcessing starts the loops of the named queues, or of every queue
// when no names are given.
func (b *Broker) StartProcessing(names ...string) {
	for _, q := range b.selectQueues(names) {
		q.Start()
	}
}

// StopProcessing stops the loops of the named queues, or of every queue
// when no names are given. Each call waits for in-flight deliveries.
func (b *Broker) StopProcessing(names ...string) {
	for _, q := range b.selectQueues(names) {
		q.Stop()
	}
}

// Restore creates every queue that has persisted records, so their state is
// available before first use. Requires a Storage that implements
// PartitionLister; other backends restore lazily in GetQueue.
// Returns the number of queues created or already present.
func (b *Broker) Restore(ctx context.Context) (int, error) {
	lister, ok := b.storage.(PartitionLister)
	if !ok {
		b.logger.Debugf("Storage does not list partitions, queues restore on first use")
		return 0, nil
	}

	partitions, err := lister.Partitions(ctx)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeStorage, "failed to list partitions", err)
	}

	seen := make(map[string]struct{})
	for _, partition := range partitions {
		name := partition
		if IsDeadLetterPartition(partition) {
			name = QueueOfPartition(partition)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if _, err := b.GetQueue(ctx, name); err != nil {
			return len(seen) - 1, fmt.Errorf("restore queue %s: %w", name, err)
		}
	}

	b.logger.Infof("Restored %d queues from storage", len(seen))
	return len(seen), nil
}

// QueueNames returns the registered queue names in sorted order.
func (b *Broker) QueueNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sortedNamesLocked()
}

// Close stops every processing loop and clears the registry.
// Further operations fail with ErrBrokerClosed. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*Queue)
	b.mu.Unlock()

	for _, q := range queues {
		q.Stop()
	}
	b.logger.Infof("Broker closed (%d queues stopped)", len(queues))
	return nil
}

package qbroker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

type published struct {
	label    string
	priority int
}

func TestQueue_Ordering(t *testing.T) {
	tests := []struct {
		name      string
		publish   []published
		wantOrder []string
	}{
		{
			name:      "FIFO within equal priority",
			publish:   []published{{"A", 0}, {"B", 0}, {"C", 0}},
			wantOrder: []string{"A", "B", "C"},
		},
		{
			name:      "Higher priority first",
			publish:   []published{{"low", 1}, {"high", 10}, {"mid", 5}},
			wantOrder: []string{"high", "mid", "low"},
		},
		{
			name:      "Priority then FIFO",
			publish:   []published{{"A", 0}, {"B", 5}, {"C", 5}},
			wantOrder: []string{"B", "C", "A"},
		},
		{
			name:      "Negative priority last",
			publish:   []published{{"neg", -1}, {"zero", 0}},
			wantOrder: []string{"zero", "neg"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			q := env.queue(t, "orders")

			for _, p := range tt.publish {
				env.publish(t, "orders", model.Payload{"label": p.label}, qbroker.PublishOptions{Priority: p.priority})
			}

			var mu sync.Mutex
			var seen []string
			q.Subscribe(acking(&mu, &seen))

			assert.Equal(t, len(tt.publish), drain(ctx, q))
			assert.Equal(t, tt.wantOrder, seen)
		})
	}
}

func TestQueue_DelayedDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "reminders")

	var mu sync.Mutex
	var seen []string
	q.Subscribe(acking(&mu, &seen))

	_, err := env.broker.PublishDelayed(ctx, "reminders", model.Payload{"label": "later"}, 5*time.Second)
	require.NoError(t, err)
	env.publish(t, "reminders", model.Payload{"label": "now"}, qbroker.PublishOptions{})

	assert.True(t, q.ProcessNext(ctx))
	assert.False(t, q.ProcessNext(ctx), "delayed message must not be delivered early")

	env.clock.Advance(4999 * time.Millisecond)
	assert.False(t, q.ProcessNext(ctx))

	env.clock.Advance(time.Millisecond)
	assert.True(t, q.ProcessNext(ctx))
	assert.Equal(t, []string{"now", "later"}, seen)
}

func TestQueue_DelayedHighPriorityDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	var mu sync.Mutex
	var seen []string
	q.Subscribe(acking(&mu, &seen))

	env.publish(t, "orders", model.Payload{"label": "urgent-later"}, qbroker.PublishOptions{Priority: 10, Delay: time.Minute})
	env.publish(t, "orders", model.Payload{"label": "normal"}, qbroker.PublishOptions{})

	assert.Equal(t, 1, drain(ctx, q))
	assert.Equal(t, []string{"normal"}, seen)
}

func TestQueue_AcknowledgeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	var results []bool
	q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		results = append(results, d.Ack(), d.Ack())
		return nil
	})

	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})
	require.True(t, q.ProcessNext(ctx))

	assert.Equal(t, []bool{true, false}, results)
	assert.False(t, q.Acknowledge(ctx, id))
	assert.False(t, q.Acknowledge(ctx, "unknown"))

	m := findMessage(t, q, id)
	assert.Equal(t, model.StatusCompleted, m.Status)
	assert.True(t, m.Acknowledged)
	assert.Equal(t, 1, env.events.count(qbroker.EventAcknowledged))
	assert.Equal(t, 1, env.events.count(qbroker.EventCompleted))
}

func TestQueue_AcknowledgePendingMessageFails(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, "orders")

	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})
	assert.False(t, q.Acknowledge(context.Background(), id))
	assert.Equal(t, model.StatusPending, findMessage(t, q, id).Status)
}

func TestQueue_AckWinsOverOtherSubscriberError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	var mu sync.Mutex
	acks := 0
	for i := 0; i < 2; i++ {
		q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
			if d.Ack() {
				mu.Lock()
				acks++
				mu.Unlock()
			}
			return nil
		})
	}
	q.Subscribe(func(context.Context, *qbroker.Delivery) error {
		return errors.New("audit sink unavailable")
	})

	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})
	require.True(t, q.ProcessNext(ctx))

	assert.Equal(t, 1, acks, "exactly one subscriber wins the acknowledgement")
	m := findMessage(t, q, id)
	assert.Equal(t, model.StatusCompleted, m.Status)
	assert.Equal(t, 0, m.Retries)
	assert.Contains(t, env.events.types(id), qbroker.EventError)
	assert.NotContains(t, env.events.types(id), qbroker.EventRetryScheduled)
}

func TestQueue_ExponentialBackoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders",
		qbroker.WithMaxRetries(5),
		qbroker.WithRetryDelay(time.Second),
		qbroker.WithRetryBackoffMultiplier(2),
	)

	var mu sync.Mutex
	attempts := 0
	q.Subscribe(failing(&mu, &attempts, errors.New("downstream timeout")))

	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})

	for i, wantDelay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		require.True(t, q.ProcessNext(ctx), "attempt %d", i+1)

		m := findMessage(t, q, id)
		assert.Equal(t, model.StatusPending, m.Status)
		assert.Equal(t, i+1, m.Retries)
		assert.Equal(t, env.clock.Now().Add(wantDelay), m.AvailableAt)
		assert.Equal(t, "downstream timeout", m.Error)

		env.clock.Advance(wantDelay - time.Millisecond)
		assert.False(t, q.ProcessNext(ctx), "retry %d delivered before its backoff elapsed", i+1)
		env.clock.Advance(time.Millisecond)
	}
	assert.Equal(t, 4, attempts)
}

func TestQueue_MaxRetryDelayCapsBackoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders",
		qbroker.WithMaxRetries(10),
		qbroker.WithRetryDelay(time.Second),
		qbroker.WithRetryBackoffMultiplier(10),
		qbroker.WithMaxRetryDelay(30*time.Second),
	)

	var mu sync.Mutex
	attempts := 0
	q.Subscribe(failing(&mu, &attempts, errors.New("boom")))
	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, q.ProcessNext(ctx))
		m := findMessage(t, q, id)
		d := m.AvailableAt.Sub(env.clock.Now())
		delays = append(delays, d)
		env.clock.Advance(d)
	}
	assert.Equal(t, []time.Duration{time.Second, 10 * time.Second, 30 * time.Second}, delays)
}

func TestQueue_DeadLetterAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders", qbroker.WithMaxRetries(2), qbroker.WithRetryDelay(time.Second))

	var mu sync.Mutex
	attempts := 0
	q.Subscribe(failing(&mu, &attempts, errors.New("invalid card")))

	id := env.publish(t, "orders", model.Payload{"orderId": "o-1"}, qbroker.PublishOptions{})

	for i := 0; i < 3; i++ {
		require.True(t, q.ProcessNext(ctx), "attempt %d", i+1)
		env.clock.Advance(time.Hour)
	}
	assert.False(t, q.ProcessNext(ctx))
	assert.Equal(t, 3, attempts, "initial attempt plus MaxRetries retries")

	dead := q.DeadLetterMessages()
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, model.StatusDead, dead[0].Status)
	assert.Equal(t, 2, dead[0].Retries)
	assert.Equal(t, "invalid card", dead[0].Error)
	assert.NotNil(t, dead[0].DeadAt)
	assert.Equal(t, "o-1", dead[0].Payload["orderId"])

	stats := q.Stats()
	assert.Equal(t, 0, stats.TotalMessages)
	assert.Equal(t, 1, stats.DeadLetterMessages)

	assert.Equal(t, []qbroker.EventType{
		qbroker.EventPublished,
		qbroker.EventProcessing, qbroker.EventError, qbroker.EventRetryScheduled,
		qbroker.EventProcessing, qbroker.EventError, qbroker.EventRetryScheduled,
		qbroker.EventProcessing, qbroker.EventError, qbroker.EventDeadLetter,
	}, env.events.types(id))
}

func TestQueue_PerMessageMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	var mu sync.Mutex
	attempts := 0
	q.Subscribe(failing(&mu, &attempts, errors.New("boom")))

	_, err := q.Publish(ctx, nil, qbroker.PublishOptions{MaxRetries: qbroker.RetryLimit(0)})
	require.NoError(t, err)

	require.True(t, q.ProcessNext(ctx))
	assert.Equal(t, 1, attempts)
	assert.Len(t, q.DeadLetterMessages(), 1)
}

func TestQueue_NotAcknowledgedIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	q.Subscribe(func(context.Context, *qbroker.Delivery) error { return nil })
	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})

	require.True(t, q.ProcessNext(ctx))
	m := findMessage(t, q, id)
	assert.Equal(t, model.StatusPending, m.Status)
	assert.Equal(t, 1, m.Retries)
	assert.Equal(t, qbroker.ErrNotAcknowledged.Error(), m.Error)
	assert.NotContains(t, env.events.types(id), qbroker.EventError)
	assert.Contains(t, env.events.types(id), qbroker.EventRetryScheduled)
}

func TestQueue_PanickingHandlerIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	q.Subscribe(func(context.Context, *qbroker.Delivery) error { panic("nil map") })
	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})

	require.True(t, q.ProcessNext(ctx))
	m := findMessage(t, q, id)
	assert.Equal(t, 1, m.Retries)
	assert.Contains(t, m.Error, "panicked")
}

func TestQueue_NoSubscribersKeepsMessagesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})
	assert.False(t, q.ProcessNext(ctx))

	m := findMessage(t, q, id)
	assert.Equal(t, model.StatusPending, m.Status)
	assert.Equal(t, 0, m.Retries)
}

func TestQueue_RequeueDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders", qbroker.WithMaxRetries(0))

	fail := true
	q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		if fail {
			return errors.New("boom")
		}
		d.Ack()
		return nil
	})

	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})
	require.True(t, q.ProcessNext(ctx))
	require.Len(t, q.DeadLetterMessages(), 1)

	n, err := q.RequeueDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, q.DeadLetterMessages())

	m := findMessage(t, q, id)
	assert.Equal(t, model.StatusPending, m.Status)
	assert.Equal(t, 0, m.Retries)
	assert.Empty(t, m.Error)
	assert.Nil(t, m.DeadAt)

	fail = false
	require.True(t, q.ProcessNext(ctx))
	assert.Equal(t, model.StatusCompleted, findMessage(t, q, id).Status)
	assert.Equal(t, 1, env.events.count(qbroker.EventRequeued))

	n, err = q.RequeueDeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_SingleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	started := make(chan struct{})
	release := make(chan struct{})
	q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		close(started)
		<-release
		d.Ack()
		return nil
	})

	env.publish(t, "orders", nil, qbroker.PublishOptions{})
	env.publish(t, "orders", nil, qbroker.PublishOptions{})

	done := make(chan bool)
	go func() { done <- q.ProcessNext(ctx) }()

	<-started
	assert.False(t, q.ProcessNext(ctx), "a second delivery must not start while one is in flight")
	assert.Equal(t, 1, q.Stats().ProcessingMessages)

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, 1, q.Stats().CompletedMessages)
	assert.Equal(t, 1, q.Stats().PendingMessages)
}

func TestQueue_SubscribersRunConcurrently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	// Each handler waits for the other; sequential invocation would deadlock.
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
			wg.Done()
			wg.Wait()
			d.Ack()
			return nil
		})
	}

	env.publish(t, "orders", nil, qbroker.PublishOptions{})
	assert.True(t, q.ProcessNext(ctx))
	assert.Equal(t, 1, q.Stats().CompletedMessages)
}

func TestQueue_DeliveryIsACopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	payload := model.Payload{"label": "original"}
	id := env.publish(t, "orders", payload, qbroker.PublishOptions{})
	payload["label"] = "mutated by producer"

	q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		d.Message.Payload["label"] = "mutated by consumer"
		d.Ack()
		return nil
	})
	require.True(t, q.ProcessNext(ctx))

	assert.Equal(t, "original", findMessage(t, q, id).Payload["label"])
}

func TestQueue_SubscribeUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	calls := 0
	id := q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		calls++
		d.Ack()
		return nil
	})
	assert.Equal(t, 1, q.Stats().SubscriberCount)

	assert.True(t, q.Unsubscribe(id))
	assert.False(t, q.Unsubscribe(id))
	assert.Equal(t, 0, q.Stats().SubscriberCount)

	env.publish(t, "orders", nil, qbroker.PublishOptions{})
	assert.False(t, q.ProcessNext(ctx))
	assert.Zero(t, calls)

	assert.Equal(t, 1, env.events.count(qbroker.EventSubscribed))
	assert.Equal(t, 1, env.events.count(qbroker.EventUnsubscribed))
}

func TestQueue_PurgeCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	var mu sync.Mutex
	var seen []string
	q.Subscribe(acking(&mu, &seen))

	for _, label := range []string{"a", "b", "c"} {
		env.publish(t, "orders", model.Payload{"label": label}, qbroker.PublishOptions{})
	}
	require.True(t, q.ProcessNext(ctx))
	require.True(t, q.ProcessNext(ctx))

	assert.Equal(t, 2, q.PurgeCompleted(ctx))
	assert.Equal(t, 0, q.PurgeCompleted(ctx))

	stats := q.Stats()
	assert.Equal(t, 1, stats.TotalMessages)
	assert.Equal(t, 1, stats.PendingMessages)
	assert.Equal(t, 1, env.events.count(qbroker.EventPurged))
}

func TestQueue_PublishValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	_, err := q.Publish(ctx, nil, qbroker.PublishOptions{Delay: -time.Second})
	assert.True(t, qbroker.IsValidation(err))

	_, err = q.Publish(ctx, nil, qbroker.PublishOptions{MaxRetries: qbroker.RetryLimit(-2)})
	assert.True(t, qbroker.IsValidation(err))

	assert.Empty(t, q.Messages())
}

func TestQueue_PublishStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.queue(t, "orders")

	env.storage.FailSaves(errors.New("disk full"))
	_, err := q.Publish(ctx, nil, qbroker.PublishOptions{})
	require.Error(t, err)
	assert.True(t, qbroker.IsStorage(err))
	assert.Empty(t, q.Messages())
	assert.Zero(t, env.events.count(qbroker.EventPublished))
}

func TestQueue_ProcessingLoop(t *testing.T) {
	env := newTestEnv(t, qbroker.WithClock(time.Now))
	q := env.queue(t, "orders", qbroker.WithProcessingInterval(5*time.Millisecond))

	var mu sync.Mutex
	var seen []string
	q.Subscribe(acking(&mu, &seen))

	assert.False(t, q.Running())
	q.Start()
	q.Start()
	assert.True(t, q.Running())

	for _, label := range []string{"a", "b", "c"} {
		env.publish(t, "orders", model.Payload{"label": label}, qbroker.PublishOptions{})
	}

	require.Eventually(t, func() bool {
		return q.Stats().CompletedMessages == 3
	}, 2*time.Second, 5*time.Millisecond)

	q.Stop()
	q.Stop()
	assert.False(t, q.Running())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestQueue_ObserverFailuresDoNotGateDelivery(t *testing.T) {
	failingObserver := qbroker.ObserverFunc(func(context.Context, qbroker.Event) error {
		return errors.New("metrics backend down")
	})
	panickingObserver := qbroker.ObserverFunc(func(context.Context, qbroker.Event) error {
		panic("observer bug")
	})

	env := newTestEnv(t, qbroker.WithObservers(failingObserver, panickingObserver))
	ctx := context.Background()
	q := env.queue(t, "orders")

	var mu sync.Mutex
	var seen []string
	q.Subscribe(acking(&mu, &seen))

	id := env.publish(t, "orders", model.Payload{"label": "x"}, qbroker.PublishOptions{})
	require.True(t, q.ProcessNext(ctx))

	assert.Equal(t, []string{"x"}, seen)
	assert.Equal(t, model.StatusCompleted, findMessage(t, q, id).Status)
	assert.Equal(t, 1, env.events.count(qbroker.EventCompleted))
}

func TestQueue_MessagesInDeliveryOrder(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, "orders")

	low := env.publish(t, "orders", nil, qbroker.PublishOptions{Priority: 1})
	high := env.publish(t, "orders", nil, qbroker.PublishOptions{Priority: 9})
	low2 := env.publish(t, "orders", nil, qbroker.PublishOptions{Priority: 1})

	var ids []string
	for _, m := range q.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{high, low, low2}, ids)
}

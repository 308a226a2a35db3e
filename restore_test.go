package qbroker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
	"github.com/coregx/qbroker/storage/file"
	"github.com/coregx/qbroker/storage/memory"
)

func TestRestore_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	// First broker: one message completed, one retried, one dead, one pending.
	env := newTestEnvWithStorage(t, storage)
	q := env.queue(t, "orders", qbroker.WithMaxRetries(0))

	completed := env.publish(t, "orders", model.Payload{"label": "done"}, qbroker.PublishOptions{Priority: 9})
	dead := env.publish(t, "orders", model.Payload{"label": "dead"}, qbroker.PublishOptions{Priority: 8})
	retried := env.publish(t, "orders", model.Payload{"label": "retried"}, qbroker.PublishOptions{Priority: 7, MaxRetries: qbroker.RetryLimit(5)})
	pending := env.publish(t, "orders", model.Payload{"label": "pending"}, qbroker.PublishOptions{Delay: time.Hour})

	subID := q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		if d.Message.Payload["label"] == "done" {
			d.Ack()
			return nil
		}
		return errors.New("rejected")
	})
	require.Equal(t, 3, drain(ctx, q))
	q.Unsubscribe(subID)
	require.NoError(t, env.broker.Close())

	// Second broker over the same storage.
	restored := newTestEnvWithStorage(t, storage)
	rq := restored.queue(t, "orders")

	live := map[string]model.Message{}
	for _, m := range rq.Messages() {
		live[m.ID] = m
	}
	assert.NotContains(t, live, completed, "completed messages are not restored")
	assert.NotContains(t, live, dead)

	require.Contains(t, live, retried)
	assert.Equal(t, model.StatusPending, live[retried].Status)
	assert.Equal(t, 1, live[retried].Retries)
	assert.Equal(t, 5, live[retried].MaxRetries)
	assert.Equal(t, "rejected", live[retried].Error)
	assert.Equal(t, "retried", live[retried].Payload["label"])

	require.Contains(t, live, pending)
	assert.Equal(t, t0.Add(time.Hour), live[pending].AvailableAt)

	deadLetters := rq.DeadLetterMessages()
	require.Len(t, deadLetters, 1)
	assert.Equal(t, dead, deadLetters[0].ID)
	assert.Equal(t, model.StatusDead, deadLetters[0].Status)
}

func TestRestore_PreservesOrdering(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	env := newTestEnvWithStorage(t, storage)
	for _, p := range []published{{"A", 0}, {"B", 5}, {"C", 5}, {"D", 0}} {
		env.publish(t, "orders", model.Payload{"label": p.label}, qbroker.PublishOptions{Priority: p.priority})
	}
	require.NoError(t, env.broker.Close())

	restored := newTestEnvWithStorage(t, storage)
	q := restored.queue(t, "orders")

	var seen []string
	q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		seen = append(seen, d.Message.Payload["label"].(string))
		d.Ack()
		return nil
	})
	assert.Equal(t, 4, drain(ctx, q))
	assert.Equal(t, []string{"B", "C", "A", "D"}, seen)

	// New messages sort after restored ones at equal priority and time.
	restored.publish(t, "orders", model.Payload{"label": "E"}, qbroker.PublishOptions{})
	messages := q.Messages()
	assert.Equal(t, "E", messages[len(messages)-1].Payload["label"])
}

func TestRestore_InterruptedProcessingIsRedelivered(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	m := model.NewMessage("orders", model.Payload{"label": "x"}, 0, 3, 0, t0)
	m.Revision = 1
	require.NoError(t, storage.Save(ctx, "orders", m))
	require.NoError(t, m.MarkProcessing(t0))
	m.Revision = 2
	require.NoError(t, storage.Save(ctx, "orders", m))

	env := newTestEnvWithStorage(t, storage)
	q := env.queue(t, "orders")

	restored := findMessage(t, q, m.ID)
	assert.Equal(t, model.StatusPending, restored.Status)

	delivered := 0
	q.Subscribe(func(_ context.Context, d *qbroker.Delivery) error {
		delivered++
		d.Ack()
		return nil
	})
	assert.True(t, q.ProcessNext(ctx))
	assert.Equal(t, 1, delivered)
}

func TestRestore_CorruptRecordsAreSkipped(t *testing.T) {
	storage := memory.New()

	env := newTestEnvWithStorage(t, storage)
	first := env.publish(t, "orders", model.Payload{"label": "first"}, qbroker.PublishOptions{})
	storage.AppendRaw("orders", []byte(`{"messageId": "torn", "queue": "ord`))
	storage.AppendRaw("orders", []byte("\x00\x01binary"))
	storage.AppendRaw(qbroker.DeadLetterPartition("orders"), []byte("garbage"))
	second := env.publish(t, "orders", model.Payload{"label": "second"}, qbroker.PublishOptions{})
	require.NoError(t, env.broker.Close())

	restored := newTestEnvWithStorage(t, storage)
	q := restored.queue(t, "orders")

	messages := q.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, first, messages[0].ID)
	assert.Equal(t, second, messages[1].ID)
	assert.Empty(t, q.DeadLetterMessages())
}

func TestRestore_RequeuedDeadLetterStaysLive(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	env := newTestEnvWithStorage(t, storage)
	q := env.queue(t, "orders", qbroker.WithMaxRetries(0))
	q.Subscribe(func(context.Context, *qbroker.Delivery) error { return errors.New("boom") })
	id := env.publish(t, "orders", nil, qbroker.PublishOptions{})
	require.True(t, q.ProcessNext(ctx))
	_, err := q.RequeueDeadLetters(ctx)
	require.NoError(t, err)
	require.NoError(t, env.broker.Close())

	restored := newTestEnvWithStorage(t, storage)
	rq := restored.queue(t, "orders")
	assert.Empty(t, rq.DeadLetterMessages(), "the requeue revision supersedes the dead record")
	assert.Equal(t, model.StatusPending, findMessage(t, rq, id).Status)
}

func TestBroker_Restore(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	env := newTestEnvWithStorage(t, storage)
	env.publish(t, "orders", nil, qbroker.PublishOptions{})
	env.publish(t, "audit", nil, qbroker.PublishOptions{})
	q := env.queue(t, "payments", qbroker.WithMaxRetries(0))
	q.Subscribe(func(context.Context, *qbroker.Delivery) error { return errors.New("boom") })
	env.publish(t, "payments", nil, qbroker.PublishOptions{})
	require.True(t, q.ProcessNext(ctx))
	require.NoError(t, env.broker.Close())

	restored := newTestEnvWithStorage(t, storage)
	n, err := restored.broker.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"audit", "orders", "payments"}, restored.broker.QueueNames())

	stats := restored.broker.StatsAll()
	assert.Equal(t, 1, stats.Queues["orders"].PendingMessages)
	assert.Equal(t, 1, stats.Queues["payments"].DeadLetterMessages)
}

func TestBroker_RestoreFromFileStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := &qbroker.NoopLogger{}

	open := func() *qbroker.Broker {
		storage, err := file.New(file.Options{Dir: dir, SyncPolicy: file.SyncAlways})
		require.NoError(t, err)
		broker, err := qbroker.NewBroker(
			qbroker.WithStorage(storage),
			qbroker.WithLogger(logger),
			qbroker.WithAutoStart(false),
		)
		require.NoError(t, err)
		return broker
	}

	broker := open()
	ids, err := broker.Fanout(ctx, []string{"email", "sms"}, model.Payload{"to": "+100"}, qbroker.PublishOptions{})
	require.NoError(t, err)
	require.NoError(t, broker.Close())

	broker = open()
	defer broker.Close()
	n, err := broker.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i, name := range []string{"email", "sms"} {
		q, err := broker.GetQueue(ctx, name)
		require.NoError(t, err)
		messages := q.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, ids[i], messages[0].ID)
		assert.Equal(t, "+100", messages[0].Payload["to"])
	}
}

func TestRestore_DeadLettersKeepDeathOrder(t *testing.T) {
	ctx := context.Background()
	storage := memory.New()

	env := newTestEnvWithStorage(t, storage)
	q := env.queue(t, "orders", qbroker.WithMaxRetries(0))
	q.Subscribe(func(context.Context, *qbroker.Delivery) error { return errors.New("boom") })

	low := env.publish(t, "orders", nil, qbroker.PublishOptions{Priority: 0})
	high := env.publish(t, "orders", nil, qbroker.PublishOptions{Priority: 10})
	require.Equal(t, 2, drain(ctx, q))

	ids := func(messages []model.Message) []string {
		out := make([]string, 0, len(messages))
		for _, m := range messages {
			out = append(out, m.ID)
		}
		return out
	}
	require.Equal(t, []string{high, low}, ids(q.DeadLetterMessages()))
	require.NoError(t, env.broker.Close())

	restored := newTestEnvWithStorage(t, storage)
	rq := restored.queue(t, "orders")
	assert.Equal(t, []string{high, low}, ids(rq.DeadLetterMessages()))
}

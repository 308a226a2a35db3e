package qbroker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
	"github.com/coregx/qbroker/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// manualClock is a time source advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: t0}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []qbroker.Event
}

func (r *recorder) OnEvent(_ context.Context, e qbroker.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// types returns the recorded event types, optionally only those of one message.
func (r *recorder) types(messageID string) []qbroker.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []qbroker.EventType
	for _, e := range r.events {
		if messageID == "" || e.MessageID() == messageID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recorder) count(t qbroker.EventType) int {
	n := 0
	for _, et := range r.types("") {
		if et == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	broker  *qbroker.Broker
	storage *memory.Storage
	clock   *manualClock
	events  *recorder
}

// newTestEnv creates a broker with manual processing and a manual clock.
func newTestEnv(t *testing.T, opts ...qbroker.Option) *testEnv {
	t.Helper()
	return newTestEnvWithStorage(t, memory.New(), opts...)
}

func newTestEnvWithStorage(t *testing.T, storage *memory.Storage, opts ...qbroker.Option) *testEnv {
	t.Helper()

	env := &testEnv{storage: storage, clock: newManualClock(), events: &recorder{}}
	all := append([]qbroker.Option{
		qbroker.WithStorage(storage),
		qbroker.WithLogger(&qbroker.NoopLogger{}),
		qbroker.WithObservers(env.events),
		qbroker.WithAutoStart(false),
		qbroker.WithClock(env.clock.Now),
	}, opts...)

	broker, err := qbroker.NewBroker(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	env.broker = broker
	return env
}

func (env *testEnv) queue(t *testing.T, name string, opts ...qbroker.QueueOption) *qbroker.Queue {
	t.Helper()
	q, err := env.broker.GetQueue(context.Background(), name, opts...)
	require.NoError(t, err)
	return q
}

func (env *testEnv) publish(t *testing.T, name string, payload model.Payload, opts qbroker.PublishOptions) string {
	t.Helper()
	id, err := env.broker.Publish(context.Background(), name, payload, opts)
	require.NoError(t, err)
	return id
}

// acking returns a handler that acknowledges and records payload labels.
func acking(mu *sync.Mutex, seen *[]string) qbroker.Handler {
	return func(_ context.Context, d *qbroker.Delivery) error {
		mu.Lock()
		*seen = append(*seen, d.Message.Payload["label"].(string))
		mu.Unlock()
		d.Ack()
		return nil
	}
}

// failing returns a handler that always fails and counts attempts.
func failing(mu *sync.Mutex, attempts *int, err error) qbroker.Handler {
	return func(context.Context, *qbroker.Delivery) error {
		mu.Lock()
		*attempts++
		mu.Unlock()
		return err
	}
}

func drain(ctx context.Context, q *qbroker.Queue) int {
	n := 0
	for q.ProcessNext(ctx) {
		n++
	}
	return n
}

func findMessage(t *testing.T, q *qbroker.Queue, id string) model.Message {
	t.Helper()
	for _, m := range q.Messages() {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not found in queue %s", id, q.Name())
	return model.Message{}
}

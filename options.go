package qbroker

import (
	"fmt"
	"time"
)

// Option is a function that configures a Broker.
// Used with the Options Pattern for flexible broker construction.
//
// Example:
//
//	broker, err := qbroker.NewBroker(
//	    qbroker.WithStorage(memory.New()),
//	    qbroker.WithLogger(logger),
//	    qbroker.WithObservers(qbroker.NewLoggingObserver(logger)), // optional
//	)
type Option func(*Broker) error

// WithStorage sets the persistence backend.
// Storage is required and must not be nil.
//
// This is a required option for NewBroker.
func WithStorage(storage Storage) Option {
	return func(b *Broker) error {
		if storage == nil {
			return fmt.Errorf("storage cannot be nil")
		}
		b.storage = storage
		return nil
	}
}

// WithLogger sets the logger instance for the broker and its queues.
// Logger is required and must not be nil.
//
// This is a required option for NewBroker.
//
// Use NoopLogger for silent operation, NewSlogLogger for log/slog, or
// implement Logger to integrate with your logging system.
func WithLogger(logger Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithObservers registers event observers.
// This is an optional configuration; may be given more than once.
//
// Observers receive every queue and message event. They cannot affect delivery:
// errors are logged and panics are recovered.
func WithObservers(observers ...Observer) Option {
	return func(b *Broker) error {
		for i, o := range observers {
			if o == nil {
				return fmt.Errorf("observer %d cannot be nil", i)
			}
		}
		b.observers = append(b.observers, observers...)
		return nil
	}
}

// WithDefaultQueueConfig sets the policy applied to every new queue.
// This is an optional configuration - default is DefaultQueueConfig().
// Individual queues may still override fields through QueueOption.
func WithDefaultQueueConfig(cfg QueueConfig) Option {
	return func(b *Broker) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid default queue config: %w", err)
		}
		b.defaults = cfg
		return nil
	}
}

// WithAutoStart controls whether new queues start their processing loop
// immediately. This is an optional configuration - default is true.
//
// Disable it to drive delivery manually with Queue.ProcessNext, or to start
// loops selectively with StartProcessing.
func WithAutoStart(enabled bool) Option {
	return func(b *Broker) error {
		b.autoStart = enabled
		return nil
	}
}

// WithClock replaces the time source used for delays, backoff and timestamps.
// This is an optional configuration - default is time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		b.now = now
		return nil
	}
}

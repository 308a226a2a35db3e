package qbroker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/qbroker/retry"
)

// Default queue policy values.
const (
	DefaultMaxRetries             = 3
	DefaultRetryDelay             = time.Second
	DefaultRetryBackoffMultiplier = 2.0
	DefaultProcessingInterval     = 100 * time.Millisecond
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// QueueConfig holds the delivery policy of one queue.
type QueueConfig struct {
	MaxRetries             int           // Retries before a message is dead-lettered
	RetryDelay             time.Duration // Backoff before the first retry
	RetryBackoffMultiplier float64       // Growth factor between consecutive retries
	MaxRetryDelay          time.Duration // Cap for a single backoff (0 = uncapped)
	ProcessingInterval     time.Duration // Tick of the processing loop
}

// DefaultQueueConfig returns the default queue policy:
// 3 retries, 1s doubling backoff, 100ms processing interval.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:             DefaultMaxRetries,
		RetryDelay:             DefaultRetryDelay,
		RetryBackoffMultiplier: DefaultRetryBackoffMultiplier,
		ProcessingInterval:     DefaultProcessingInterval,
	}
}

// Validate checks the configuration.
func (c QueueConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.RetryDelay, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryBackoffMultiplier, validation.Required, validation.Min(1.0)),
		validation.Field(&c.MaxRetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.ProcessingInterval, validation.Required, validation.Min(time.Duration(0))),
	)
}

// Strategy returns the retry strategy described by the configuration.
func (c QueueConfig) Strategy() retry.Strategy {
	return retry.Strategy{
		MaxRetries:        c.MaxRetries,
		RetryDelay:        c.RetryDelay,
		BackoffMultiplier: c.RetryBackoffMultiplier,
		MaxDelay:          c.MaxRetryDelay,
	}
}

// QueueOption overrides one field of the broker-wide defaults for a single queue.
// Overrides only apply when the queue is created; the first caller's options win.
type QueueOption func(*QueueConfig)

// WithMaxRetries overrides the number of retries before dead-lettering.
func WithMaxRetries(n int) QueueOption {
	return func(c *QueueConfig) { c.MaxRetries = n }
}

// WithRetryDelay overrides the backoff before the first retry.
func WithRetryDelay(d time.Duration) QueueOption {
	return func(c *QueueConfig) { c.RetryDelay = d }
}

// WithRetryBackoffMultiplier overrides the backoff growth factor.
func WithRetryBackoffMultiplier(f float64) QueueOption {
	return func(c *QueueConfig) { c.RetryBackoffMultiplier = f }
}

// WithMaxRetryDelay caps a single backoff delay.
func WithMaxRetryDelay(d time.Duration) QueueOption {
	return func(c *QueueConfig) { c.MaxRetryDelay = d }
}

// WithProcessingInterval overrides the processing loop tick.
func WithProcessingInterval(d time.Duration) QueueOption {
	return func(c *QueueConfig) { c.ProcessingInterval = d }
}

// PublishOptions controls how a single message is enqueued.
type PublishOptions struct {
	Delay      time.Duration // Delivery is held back for this long
	Priority   int           // Higher values are delivered first
	MaxRetries *int          // Overrides the queue's MaxRetries when set
}

// Validate checks the options.
func (o PublishOptions) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Delay, validation.Min(time.Duration(0))),
		validation.Field(&o.MaxRetries, validation.Min(0)),
	)
}

// RetryLimit returns a pointer to n, for use as PublishOptions.MaxRetries.
func RetryLimit(n int) *int {
	return &n
}

func validateQueueName(name string) error {
	err := validation.Validate(name,
		validation.Required,
		validation.Length(1, 200),
		validation.Match(queueNamePattern),
		validation.By(func(interface{}) error {
			if strings.HasSuffix(name, DeadLetterSuffix) {
				return fmt.Errorf("must not end with %q", DeadLetterSuffix)
			}
			return nil
		}),
	)
	if err != nil {
		return NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("invalid queue name %q", name), err)
	}
	return nil
}

package model

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a message.
type Status string

const (
	// StatusPending indicates the message is waiting for delivery.
	// A pending message is eligible once AvailableAt has passed.
	StatusPending Status = "pending"

	// StatusProcessing indicates the message has been handed to subscribers.
	StatusProcessing Status = "processing"

	// StatusCompleted indicates a subscriber acknowledged the message.
	StatusCompleted Status = "completed"

	// StatusDead indicates the message exhausted its retry budget.
	StatusDead Status = "dead"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusDead:
		return true
	default:
		return false
	}
}

// Payload holds the producer-supplied structured fields of a message.
type Payload map[string]any

// Message is the unit of work flowing through a queue.
// It carries delivery state, retry accounting and diagnostics.
//
// Messages follow this lifecycle:
//  1. Published with status=PENDING (AvailableAt gates delayed delivery)
//  2. Handed to subscribers → PROCESSING
//  3. Acknowledged → COMPLETED (terminal)
//  4. Failed or not acknowledged → PENDING again with exponential backoff
//  5. Retries exhausted → DEAD, held in the dead-letter set until requeued
//
// Business logic methods:
//   - MarkProcessing/Acknowledge/ScheduleRetry/MarkDead/Requeue: state transitions
//   - IsEligible: delivery gate
//   - Before: delivery ordering (priority desc, created asc)
type Message struct {
	ID           string     `json:"messageId"`
	Queue        string     `json:"queue"`
	Payload      Payload    `json:"payload"`
	Status       Status     `json:"status"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAt    time.Time  `json:"createdAt"`
	AvailableAt  time.Time  `json:"availableAt"`
	Priority     int        `json:"priority"`
	Sequence     int64      `json:"sequence"`
	Retries      int        `json:"retries"`
	MaxRetries   int        `json:"maxRetries"`
	LastAttempt  *time.Time `json:"lastAttempt,omitempty"`
	Error        string     `json:"error,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DeadAt       *time.Time `json:"deadAt,omitempty"`
	Revision     int64      `json:"revision"`
}

// NewMessage creates a pending message with a fresh unique ID.
// The message becomes available for delivery after delay.
func NewMessage(queue string, payload Payload, priority, maxRetries int, delay time.Duration, now time.Time) Message {
	if payload == nil {
		payload = Payload{}
	}
	return Message{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		AvailableAt: now.Add(delay),
		Priority:    priority,
		MaxRetries:  maxRetries,
	}
}

// IsEligible reports whether the message can be delivered at now.
func (m *Message) IsEligible(now time.Time) bool {
	return m.Status == StatusPending && !m.AvailableAt.After(now)
}

// Before reports whether m must be delivered before other.
// Priority is the primary key (higher first); creation order breaks ties.
func (m *Message) Before(other *Message) bool {
	if m.Priority != other.Priority {
		return m.Priority > other.Priority
	}
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Sequence < other.Sequence
}

// MarkProcessing hands the message to subscribers and stamps LastAttempt.
func (m *Message) MarkProcessing(now time.Time) error {
	if m.Status != StatusPending {
		return ErrInvalidTransition
	}
	m.Status = StatusProcessing
	m.LastAttempt = &now
	return nil
}

// Acknowledge completes a processing message.
// Returns ErrAlreadyCompleted for a message that was acknowledged before.
func (m *Message) Acknowledge(now time.Time) error {
	switch m.Status {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusProcessing:
		m.Status = StatusCompleted
		m.Acknowledged = true
		m.CompletedAt = &now
		return nil
	default:
		return ErrInvalidTransition
	}
}

// ShouldDeadLetter reports whether the retry budget is exhausted.
func (m *Message) ShouldDeadLetter() bool {
	return m.Retries >= m.MaxRetries
}

// ScheduleRetry returns a processing message to pending with the next attempt
// delayed by retryAfter. Increments Retries and records the failure reason.
func (m *Message) ScheduleRetry(reason string, retryAfter time.Duration, now time.Time) error {
	if m.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	m.Retries++
	m.Status = StatusPending
	m.AvailableAt = now.Add(retryAfter)
	m.Error = reason
	return nil
}

// MarkDead moves a processing message to the dead-letter state.
func (m *Message) MarkDead(reason string, now time.Time) error {
	if m.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	m.Status = StatusDead
	m.Error = reason
	m.DeadAt = &now
	return nil
}

// Requeue returns a dead message to pending with its retry count reset.
func (m *Message) Requeue(now time.Time) error {
	if m.Status != StatusDead {
		return ErrNotDead
	}
	m.Status = StatusPending
	m.Retries = 0
	m.AvailableAt = now
	m.Error = ""
	m.DeadAt = nil
	return nil
}

// Clone returns a deep copy safe to hand outside the owning queue.
func (m Message) Clone() Message {
	c := m
	c.Payload = maps.Clone(m.Payload)
	if m.LastAttempt != nil {
		t := *m.LastAttempt
		c.LastAttempt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	if m.DeadAt != nil {
		t := *m.DeadAt
		c.DeadAt = &t
	}
	return c
}

// Domain errors returned by Message state transitions.
var (
	// ErrInvalidTransition indicates the transition is not allowed from the current status.
	ErrInvalidTransition = DomainError{Code: "INVALID_TRANSITION", Message: "Invalid message status transition"}

	// ErrAlreadyCompleted indicates the message was acknowledged before.
	ErrAlreadyCompleted = DomainError{Code: "ALREADY_COMPLETED", Message: "Message already completed"}

	// ErrNotDead indicates a requeue was attempted on a live message.
	ErrNotDead = DomainError{Code: "NOT_DEAD", Message: "Message is not dead-lettered"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}

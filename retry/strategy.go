// Package retry provides the exponential backoff strategy used to reschedule
// failed deliveries and decide when a message is dead-lettered.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy defines the retry behavior for failed deliveries.
//
// The delay before retry n (1-based) follows:
//
//	delay = min(RetryDelay * BackoffMultiplier^(n-1), MaxDelay)
//
// Example with defaults (1s base, 2.0 multiplier, no cap, 3 retries):
//
//	Retry 1: 1s
//	Retry 2: 2s
//	Retry 3: 4s
//	(next failure → dead-letter)
type Strategy struct {
	MaxRetries        int           // Retries allowed before the message is dead-lettered
	RetryDelay        time.Duration // Delay before the first retry
	BackoffMultiplier float64       // Growth factor between consecutive retries
	MaxDelay          time.Duration // Upper bound for a single delay (0 = unbounded)
}

// DefaultStrategy returns the default retry strategy: 3 retries, 1s doubling, uncapped.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the backoff before the given retry.
// retry is the value of the message's retry counter after it was incremented,
// so the first retry waits exactly RetryDelay.
func (s Strategy) Delay(retry int) time.Duration {
	if retry <= 1 {
		return s.capped(float64(s.RetryDelay))
	}

	multiplier := s.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	return s.capped(float64(s.RetryDelay) * math.Pow(multiplier, float64(retry-1)))
}

func (s Strategy) capped(delay float64) time.Duration {
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Schedule returns a human-readable description of the retry schedule.
//
// Example output:
//
//	Retry Schedule:
//	  Retry 1: after 1s
//	  Retry 2: after 2s
//	  Retry 3: after 4s
//	  → Move to dead-letter
func (s Strategy) Schedule() string {
	var b strings.Builder
	b.WriteString("Retry Schedule:\n")
	for i := 1; i <= s.MaxRetries; i++ {
		fmt.Fprintf(&b, "  Retry %d: after %v\n", i, s.Delay(i))
	}
	b.WriteString("  → Move to dead-letter\n")
	return b.String()
}

package qbroker

import (
	"context"
	"strings"

	"github.com/coregx/qbroker/model"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter partition.
const DeadLetterSuffix = ".dead-letter"

// Storage defines the durable log behind every queue.
// Each queue owns one partition for its live record history and one
// dead-letter partition (see DeadLetterPartition).
//
// Implementations must be safe for concurrent use and must tolerate
// interleaved appends to different partitions.
type Storage interface {
	// Save appends one record to the partition. Prior records are never rewritten.
	Save(ctx context.Context, partition string, m model.Message) error

	// Load returns every valid record of the partition in append order.
	// A partition that was never written yields an empty slice and no error.
	// Corrupt records are skipped with a warning and do not abort the load.
	Load(ctx context.Context, partition string) ([]model.Message, error)
}

// PartitionLister is implemented by storages that can enumerate their partitions.
// Broker.Restore uses it to rebuild every persisted queue at startup.
type PartitionLister interface {
	// Partitions returns the names of all partitions holding at least one record.
	Partitions(ctx context.Context) ([]string, error)
}

// DeadLetterPartition returns the dead-letter partition of queue.
func DeadLetterPartition(queue string) string {
	return queue + DeadLetterSuffix
}

// IsDeadLetterPartition reports whether partition holds dead-lettered records.
func IsDeadLetterPartition(partition string) bool {
	return strings.HasSuffix(partition, DeadLetterSuffix)
}

// QueueOfPartition returns the queue a partition belongs to.
func QueueOfPartition(partition string) string {
	return strings.TrimSuffix(partition, DeadLetterSuffix)
}

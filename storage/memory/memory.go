// Package memory provides an in-process qbroker.Storage.
//
// Records are kept encoded, exactly as a durable backend would write them, so
// the restore path (decode, skip corrupt, reconcile) is exercised in tests.
// Nothing survives the process.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

// Storage is a partitioned append-only log held in memory.
type Storage struct {
	mu         sync.RWMutex
	partitions map[string][][]byte
	logger     qbroker.Logger
	saveErr    error
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{
		partitions: make(map[string][][]byte),
		logger:     &qbroker.NoopLogger{},
	}
}

// WithLogger sets the logger used to report corrupt records.
func (s *Storage) WithLogger(logger qbroker.Logger) *Storage {
	s.logger = logger
	return s
}

// Save appends an encoded record.
func (s *Storage) Save(ctx context.Context, partition string, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := model.EncodeRecord(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.partitions[partition] = append(s.partitions[partition], data)
	return nil
}

// Load decodes the partition's records in append order.
func (s *Storage) Load(ctx context.Context, partition string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	raw := slices.Clone(s.partitions[partition])
	s.mu.RUnlock()

	return model.DecodeRecords(raw, func(i int, err error) {
		s.logger.Warnf("Skipping corrupt record %d in partition %s: %v", i, partition, err)
	}), nil
}

// Partitions returns the names of non-empty partitions in sorted order.
func (s *Storage) Partitions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name, records := range s.partitions {
		if len(records) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// AppendRaw appends bytes verbatim, bypassing encoding.
// Useful for simulating torn or foreign records.
func (s *Storage) AppendRaw(partition string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[partition] = append(s.partitions[partition], slices.Clone(data))
}

// Len returns the number of records in a partition, corrupt ones included.
func (s *Storage) Len(partition string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions[partition])
}

// FailSaves makes every following Save return err. Pass nil to recover.
func (s *Storage) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

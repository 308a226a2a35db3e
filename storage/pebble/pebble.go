// Package pebble provides a qbroker.Storage on top of a Pebble key-value store.
//
// Key layout:
//
//	p/<partition>                       partition marker (empty value)
//	r/<partition>\x00<seq uint64 BE>    one encoded record
//
// Big-endian sequence numbers keep each partition's records in append order
// under a single prefix scan.
package pebble

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

var (
	recordPrefix    = []byte("r/")
	partitionPrefix = []byte("p/")
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed record.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application.
	FsyncModeNever
)

// Options configures the Pebble storage.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Logger reports skipped corrupt records. Defaults to NoopLogger.
	Logger qbroker.Logger
}

// Storage implements qbroker.Storage and qbroker.PartitionLister using Pebble.
type Storage struct {
	db        *pebble.DB
	writeSync bool
	logger    qbroker.Logger

	mu  sync.Mutex
	seq map[string]uint64
}

// Open creates or opens a Pebble-backed storage.
func Open(opts Options) (*Storage, error) {
	if opts.DataDir == "" {
		return nil, qbroker.NewError(qbroker.ErrCodeConfiguration, "pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to open pebble", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = &qbroker.NoopLogger{}
	}
	return &Storage{
		db:        db,
		writeSync: opts.Fsync == FsyncModeAlways,
		logger:    logger,
		seq:       make(map[string]uint64),
	}, nil
}

// Close closes the Pebble database.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func recordKey(partition string, seq uint64) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(partition)+9)
	key = append(key, recordPrefix...)
	key = append(key, partition...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

// recordBounds returns the [lower, upper) key range of a partition.
func recordBounds(partition string) ([]byte, []byte) {
	lower := append(append(append([]byte{}, recordPrefix...), partition...), 0)
	upper := append(append(append([]byte{}, recordPrefix...), partition...), 1)
	return lower, upper
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte{}, prefix...)
	upper[len(upper)-1]++
	return upper
}

func partitionKey(partition string) []byte {
	return append(append([]byte{}, partitionPrefix...), partition...)
}

// nextSeqLocked returns the next sequence number of a partition, recovering the
// last one from disk on first use. Callers hold s.mu.
func (s *Storage) nextSeqLocked(partition string) (uint64, error) {
	if last, ok := s.seq[partition]; ok {
		s.seq[partition] = last + 1
		return last + 1, nil
	}

	lower, upper := recordBounds(partition)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var last uint64
	if iter.Last() {
		key := iter.Key()
		if len(key) >= 8 {
			last = binary.BigEndian.Uint64(key[len(key)-8:])
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}

	s.seq[partition] = last + 1
	return last + 1, nil
}

// Save appends a record and marks the partition in one batch.
func (s *Storage) Save(ctx context.Context, partition string, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := model.EncodeRecord(m)
	if err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to encode record", err)
	}
	return s.appendRecord(partition, data)
}

func (s *Storage) appendRecord(partition string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeqLocked(partition)
	if err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to read sequence of %s", partition), err)
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(recordKey(partition, seq), data, nil); err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to stage record", err)
	}
	if err := batch.Set(partitionKey(partition), nil, nil); err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to stage partition marker", err)
	}

	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	if err := batch.Commit(syncMode); err != nil {
		// Re-read the sequence from disk next time.
		delete(s.seq, partition)
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to commit record to %s", partition), err)
	}
	return nil
}

// Load scans the partition's records in sequence order.
func (s *Storage) Load(ctx context.Context, partition string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lower, upper := recordBounds(partition)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to open iterator", err)
	}
	defer iter.Close()

	var raw [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		raw = append(raw, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to scan partition %s", partition), err)
	}

	return model.DecodeRecords(raw, func(i int, err error) {
		s.logger.Warnf("Skipping corrupt record %d in partition %s: %v", i, partition, err)
	}), nil
}

// Partitions lists partitions from their marker keys, in key order.
func (s *Storage) Partitions(_ context.Context) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: partitionPrefix, UpperBound: prefixUpperBound(partitionPrefix)})
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to open iterator", err)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[len(partitionPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to list partitions", err)
	}
	return names, nil
}

// Package file provides a qbroker.Storage backed by append-only JSON Lines files.
//
// Each partition is one file named after the URL-escaped partition with a
// ".jsonl" extension. Every Save appends one line; lines that fail to decode,
// such as a torn write at the tail after a crash, are skipped on load.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

const extension = ".jsonl"

// SyncPolicy defines when appended records are fsynced to disk.
type SyncPolicy int

const (
	// SyncNever leaves flushing to the operating system (fastest).
	SyncNever SyncPolicy = iota

	// SyncAlways fsyncs after every record (safest, slowest).
	SyncAlways
)

// Options configures the file storage.
type Options struct {
	// Dir is the directory holding partition files. Created if missing.
	Dir string

	// SyncPolicy determines when data is fsynced to disk.
	SyncPolicy SyncPolicy

	// Logger reports skipped corrupt lines. Defaults to NoopLogger.
	Logger qbroker.Logger
}

// Storage implements qbroker.Storage and qbroker.PartitionLister on the filesystem.
type Storage struct {
	dir    string
	sync   SyncPolicy
	logger qbroker.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens (creating if needed) a file storage rooted at opts.Dir.
func New(opts Options) (*Storage, error) {
	if opts.Dir == "" {
		return nil, qbroker.NewError(qbroker.ErrCodeConfiguration, "storage directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to create storage directory", err)
	}
	if opts.Logger == nil {
		opts.Logger = &qbroker.NoopLogger{}
	}

	return &Storage{
		dir:    opts.Dir,
		sync:   opts.SyncPolicy,
		logger: opts.Logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the storage directory.
func (s *Storage) Dir() string {
	return s.dir
}

func (s *Storage) path(partition string) string {
	return filepath.Join(s.dir, url.PathEscape(partition)+extension)
}

// lock returns the mutex serializing access to one partition file.
func (s *Storage) lock(partition string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[partition]
	if !ok {
		l = &sync.Mutex{}
		s.locks[partition] = l
	}
	return l
}

// Save appends one JSON line to the partition file.
func (s *Storage) Save(ctx context.Context, partition string, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := model.EncodeRecord(m)
	if err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to encode record", err)
	}
	data = append(data, '\n')

	l := s.lock(partition)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.path(partition), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // G304: path is escaped under the storage dir
	if err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to open partition %s", partition), err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to append to partition %s", partition), err)
	}
	if s.sync == SyncAlways {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to sync partition %s", partition), err)
		}
	}
	if err := f.Close(); err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to close partition %s", partition), err)
	}
	return nil
}

// Load reads the partition file line by line, skipping corrupt lines.
func (s *Storage) Load(ctx context.Context, partition string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := s.lock(partition)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(s.path(partition))
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to open partition %s", partition), err)
	}
	defer func() { _ = f.Close() }()

	var lines [][]byte
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, fmt.Sprintf("failed to read partition %s", partition), err)
		}
	}

	return model.DecodeRecords(lines, func(i int, err error) {
		s.logger.Warnf("Skipping corrupt line %d in partition %s: %v", i+1, partition, err)
	}), nil
}

// Partitions lists partition files in sorted order.
func (s *Storage) Partitions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to list storage directory", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(e.Name(), extension))
		if err != nil {
			s.logger.Warnf("Ignoring unrecognized file %s: %v", e.Name(), err)
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

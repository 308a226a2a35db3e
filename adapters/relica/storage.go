package relica

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/model"
)

// recordRow is one appended message revision.
type recordRow struct {
	ID            int64     `db:"id"`
	PartitionName string    `db:"partition_name"`
	MessageID     string    `db:"message_id"`
	Record        string    `db:"record"`
	CreatedAt     time.Time `db:"created_at"`
}

type partitionRow struct {
	PartitionName string `db:"partition_name"`
}

// Storage implements qbroker.Storage and qbroker.PartitionLister using Relica.
type Storage struct {
	db          *relica.DB
	tablePrefix string
	logger      qbroker.Logger
}

// NewStorage creates a new Storage with default table prefix.
func NewStorage(sqlDB *sql.DB, driverName string, logger qbroker.Logger) *Storage {
	return NewStorageWithPrefix(sqlDB, driverName, "qbroker_", logger)
}

// NewStorageWithPrefix creates a new Storage with custom table prefix.
// The migrations create qbroker_record; a custom prefix needs its own schema.
func NewStorageWithPrefix(sqlDB *sql.DB, driverName, prefix string, logger qbroker.Logger) *Storage {
	if logger == nil {
		logger = &qbroker.NoopLogger{}
	}
	return &Storage{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
		logger:      logger,
	}
}

func (s *Storage) tableName() string {
	return s.tablePrefix + "record"
}

// Save appends a record row.
func (s *Storage) Save(ctx context.Context, partition string, m model.Message) error {
	data, err := model.EncodeRecord(m)
	if err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to encode record", err)
	}

	row := recordRow{
		PartitionName: partition,
		MessageID:     m.ID,
		Record:        string(data),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Model(&row).Table(s.tableName()).Insert(); err != nil {
		return qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to insert record", err)
	}
	return nil
}

// Load returns the partition's records in insertion order.
func (s *Storage) Load(ctx context.Context, partition string) ([]model.Message, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.tableName()).
		Where("partition_name = ?", partition).
		OrderBy("id ASC").
		All(&rows)
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to load records", err)
	}

	raw := make([][]byte, len(rows))
	for i := range rows {
		raw[i] = []byte(rows[i].Record)
	}
	return model.DecodeRecords(raw, func(i int, err error) {
		s.logger.Warnf("Skipping corrupt record %d in partition %s: %v", rows[i].ID, partition, err)
	}), nil
}

// Partitions returns the distinct partition names in sorted order.
func (s *Storage) Partitions(ctx context.Context) ([]string, error) {
	var rows []partitionRow
	err := s.db.WithContext(ctx).Select("partition_name").
		From(s.tableName()).
		GroupBy("partition_name").
		OrderBy("partition_name ASC").
		All(&rows)
	if err != nil {
		return nil, qbroker.NewErrorWithCause(qbroker.ErrCodeStorage, "failed to list partitions", err)
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.PartitionName)
	}
	return names, nil
}

// String describes the backing table.
func (s *Storage) String() string {
	return fmt.Sprintf("relica(%s)", s.tableName())
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptRecord is wrapped by DecodeRecord for records that cannot be restored.
var ErrCorruptRecord = errors.New("corrupt message record")

// EncodeRecord serializes a message into one self-contained storage record.
func EncodeRecord(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

// DecodeRecord restores a message from a storage record.
// A record that is not valid JSON or lacks an id, queue or known status is corrupt.
func DecodeRecord(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("%w: missing messageId", ErrCorruptRecord)
	}
	if m.Queue == "" {
		return Message{}, fmt.Errorf("%w: missing queue", ErrCorruptRecord)
	}
	if !m.Status.Valid() {
		return Message{}, fmt.Errorf("%w: unknown status %q", ErrCorruptRecord, m.Status)
	}
	if m.Payload == nil {
		m.Payload = Payload{}
	}
	return m, nil
}

// DecodeRecords decodes raw records in order, skipping corrupt ones.
// onCorrupt, when non-nil, is called with the index and cause of every skipped record.
func DecodeRecords(raw [][]byte, onCorrupt func(index int, err error)) []Message {
	messages := make([]Message, 0, len(raw))
	for i, b := range raw {
		m, err := DecodeRecord(b)
		if err != nil {
			if onCorrupt != nil {
				onCorrupt(i, err)
			}
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

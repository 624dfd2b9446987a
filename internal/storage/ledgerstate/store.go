// Package ledgerstate persists ledger mutations and periodic checkpoints in the exchange WAL.
package ledgerstate

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/storage/walstore"
)

const (
	entryKeyPrefix      = "ledger_entry_"
	checkpointKeyPrefix = "ledger_checkpoint_"
)

// Op ledger mutation kind.
type Op string

const (
	OpCredit Op = "credit"
	OpDebit  Op = "debit"
)

// Entry is one applied mutation. Balance is the resulting absolute balance, so replay
// never re-does arithmetic.
type Entry struct {
	Seq     uint64 `json:"seq"`
	Ref     string `json:"ref,omitempty"`
	Op      Op     `json:"op"`
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Balance string `json:"balance"`
}

// StoredBalance a single non-empty balance inside a checkpoint.
type StoredBalance struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// Checkpoint full ledger image as of Seq.
type Checkpoint struct {
	Seq      uint64          `json:"seq"`
	Balances []StoredBalance `json:"balances"`
	Applied  []string        `json:"applied,omitempty"`
}

// Store encodes ledger records into the shared WAL.
type Store struct {
	wal *walstore.Store
}

// NewStore wraps an opened WAL.
func NewStore(wal *walstore.Store) *Store {
	return &Store{wal: wal}
}

// AppendEntry persists a mutation.
func (s *Store) AppendEntry(e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal ledger entry")
	}

	_, err = s.wal.Append(fmt.Sprintf("%s%d", entryKeyPrefix, e.Seq), payload)
	return err
}

// AppendCheckpoint persists a full ledger image.
func (s *Store) AppendCheckpoint(c Checkpoint) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal ledger checkpoint")
	}

	_, err = s.wal.Append(fmt.Sprintf("%s%d", checkpointKeyPrefix, c.Seq), payload)
	return err
}

// Load returns the latest checkpoint (nil if none) and every entry written after it.
func (s *Store) Load() (*Checkpoint, []Entry, error) {
	checkpoints, err := s.wal.Scan(checkpointKeyPrefix)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scan ledger checkpoints")
	}

	var latest *Checkpoint
	for _, rec := range checkpoints {
		var c Checkpoint
		if err := json.Unmarshal(rec.Value, &c); err != nil {
			return nil, nil, errors.Wrapf(err, "decode ledger checkpoint %s", rec.Key)
		}
		if latest == nil || c.Seq > latest.Seq {
			cp := c
			latest = &cp
		}
	}

	records, err := s.wal.Scan(entryKeyPrefix)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scan ledger entries")
	}

	var after uint64
	if latest != nil {
		after = latest.Seq
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			return nil, nil, errors.Wrapf(err, "decode ledger entry %s", rec.Key)
		}
		if e.Seq <= after {
			continue
		}
		entries = append(entries, e)
	}

	return latest, entries, nil
}

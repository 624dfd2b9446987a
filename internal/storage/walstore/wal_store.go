// Package walstore shares one write-ahead log between the ledger and the transfer journal.
package walstore

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultWALDir     = "./wal/exchange"
	segmentThreshold  = 1000
	maxSegments       = 100
	walDirPermissions = 0o755
)

// Record a single WAL entry.
type Record struct {
	Key   string
	Value []byte
}

// Store serialises appends to a gowal log.
type Store struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// Open initializes a WAL-backed store under the provided directory.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultWALDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init exchange WAL")
	}

	return &Store{wal: wal}, nil
}

// Append writes payload under key at the next index and returns that index.
func (s *Store) Append(key string, payload []byte) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("wal store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return 0, errors.Wrapf(err, "write WAL record %s", key)
	}

	return nextIndex, nil
}

// Scan returns all retained records whose key starts with prefix, oldest first.
func (s *Store) Scan(prefix string) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("wal store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0)
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, prefix) {
			continue
		}
		records = append(records, Record{Key: msg.Key, Value: msg.Value})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *Store) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("wal store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "snapshot/"

// BadgerStore keeps snapshots in an embedded BadgerDB.
type BadgerStore struct {
	db   *badger.DB
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBadgerStore opens (or creates) a BadgerDB at dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	s := &BadgerStore{db: db, stop: make(chan struct{})}
	if dir != "" {
		s.wg.Add(1)
		go s.runGC(5 * time.Minute)
	}
	return s, nil
}

func (s *BadgerStore) Load(_ context.Context, documentID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(documentID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from BadgerDB: %w", err)
	}
	return data, nil
}

func (s *BadgerStore) Save(_ context.Context, documentID string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(documentID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write to BadgerDB: %w", err)
	}
	return nil
}

func (s *BadgerStore) Stats(context.Context) (map[string]interface{}, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	lsm, vlog := s.db.Size()
	return map[string]interface{}{
		"document_count": count,
		"lsm_bytes":      lsm,
		"vlog_bytes":     vlog,
	}, nil
}

func (s *BadgerStore) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Run GC if 50% or more space can be reclaimed, until nothing is left.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func badgerKey(documentID string) []byte {
	return []byte(badgerKeyPrefix + documentID)
}

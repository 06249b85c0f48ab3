package store

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is a Store backed by an embedded Badger database. It gives
// single-node deployments durable persistence without an external Redis
// or Postgres. An empty directory selects Badger's in-memory mode.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at dir. Badger's
// own logging is disabled; the control plane logs at its boundaries.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

func (b *BadgerStore) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (b *BadgerStore) PutIfAbsent(_ context.Context, key string, value []byte) ([]byte, bool, error) {
	var existing []byte
	var won bool

	// Optimistic transactions can abort under contention; retry the
	// check-and-set until it commits cleanly.
	for attempt := 0; attempt < 5; attempt++ {
		existing, won = nil, false
		err := b.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				won = true
				return txn.Set([]byte(key), value)
			}
			if err != nil {
				return err
			}
			existing, err = item.ValueCopy(nil)
			return err
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("badger check-and-set: %w", err)
		}
		if won {
			return value, true, nil
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("badger check-and-set: too many conflicts on key %s", key)
}

func (b *BadgerStore) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (b *BadgerStore) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	pfx := []byte(prefix)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(pfx); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.KeyCopy(nil))] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan: %w", err)
	}

	return out, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

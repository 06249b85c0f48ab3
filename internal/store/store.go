// Package store provides the persistence layer for control-plane records.
//
// Every entity (experiments, assignments, flags, rollout plans) is kept as
// a JSON value under a prefixed string key, so one small key-value
// interface serves all registries. Four backends are provided: in-memory
// (with optional JSON snapshot for dev restarts), Redis, Postgres, and
// Badger for single-node embedded persistence.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNotFound is returned by Get when no record exists under the key.
// Callers wrap it with entity context: fmt.Errorf("experiment %s: %w", ...).
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface shared by all registries.
//
// PutIfAbsent is the atomic first-write-wins primitive behind sticky
// assignments: it returns the value now stored under the key and whether
// this call's write won. Concurrent callers racing on the same key all
// observe the single winning value.
type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent stores value only if key has no value yet. It returns
	// the value stored under the key after the call and whether this
	// call's write won.
	PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error)

	// Delete removes the value under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all records whose key starts with prefix.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close releases backend resources.
	Close() error
}

// MemoryStore is an in-memory Store with an optional JSON snapshot file.
// The snapshot makes local development survive restarts; it is written
// asynchronously after each mutation and on Close.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	path    string
}

// NewMemoryStore creates an in-memory store. If snapshotPath is non-empty,
// existing state is loaded from it and mutations are persisted back.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		records: make(map[string][]byte),
		path:    snapshotPath,
	}

	if snapshotPath != "" {
		if err := m.loadSnapshot(); err != nil {
			fmt.Printf("Warning: failed to load store snapshot: %v\n", err)
		}
	}

	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.records[key] = append([]byte(nil), value...)
	m.mu.Unlock()

	if m.path != "" {
		go m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	if existing, ok := m.records[key]; ok {
		out := make([]byte, len(existing))
		copy(out, existing)
		m.mu.Unlock()
		return out, false, nil
	}
	stored := append([]byte(nil), value...)
	m.records[key] = stored
	m.mu.Unlock()

	if m.path != "" {
		go m.saveSnapshot()
	}
	return stored, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()

	if m.path != "" {
		go m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte)
	for key, value := range m.records {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			cp := make([]byte, len(value))
			copy(cp, value)
			out[key] = cp
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	if m.path != "" {
		return m.saveSnapshot()
	}
	return nil
}

// Len returns the number of records held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range snapshot {
		m.records[key] = []byte(value)
	}

	fmt.Printf("Loaded %d records from snapshot %s\n", len(snapshot), m.path)
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	snapshot := make(map[string]json.RawMessage, len(m.records))
	for key, value := range m.records {
		snapshot[key] = json.RawMessage(value)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.path, data, 0600)
}

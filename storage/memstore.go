package storage

import (
	"bytes"
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

// MemStore is the in-memory Store implementation used by tests and by
// nodes running without a data directory.  Update transactions operate on
// a copy of the lists and swap it in only when the closure succeeds, so a
// failed transaction leaves the store untouched.
type MemStore struct {
	mu     sync.RWMutex
	lists  map[string]map[string][]byte
	closed bool
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		lists: make(map[string]map[string][]byte),
	}
}

func (s *MemStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return fn(&memTx{lists: s.lists})
}

func (s *MemStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := contextErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	staged := cloneLists(s.lists)
	if err := fn(&memTx{lists: staged, writable: true}); err != nil {
		return err
	}

	s.lists = staged
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.lists = nil
	return nil
}

func cloneLists(lists map[string]map[string][]byte) map[string]map[string][]byte {
	out := make(map[string]map[string][]byte, len(lists))
	for name, entries := range lists {
		entriesCopy := make(map[string][]byte, len(entries))
		for k, v := range entries {
			entriesCopy[k] = v
		}
		out[name] = entriesCopy
	}
	return out
}

type memTx struct {
	lists    map[string]map[string][]byte
	writable bool
}

var _ Tx = (*memTx)(nil)

func (t *memTx) Get(list, key []byte) ([]byte, error) {
	entries := t.lists[string(list)]
	if entries == nil {
		return nil, nil
	}

	value, ok := entries[string(key)]
	if !ok {
		return nil, nil
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (t *memTx) Put(list, key, value []byte) error {
	if !t.writable {
		return ErrTxNotWritable
	}

	entries := t.lists[string(list)]
	if entries == nil {
		entries = make(map[string][]byte)
		t.lists[string(list)] = entries
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	entries[string(key)] = valueCopy
	return nil
}

func (t *memTx) Delete(list, key []byte) error {
	if !t.writable {
		return ErrTxNotWritable
	}

	entries := t.lists[string(list)]
	if entries == nil {
		return nil
	}

	delete(entries, string(key))
	return nil
}

func (t *memTx) Scan(list []byte, fn func(key, value []byte) error) error {
	entries := t.lists[string(list)]
	if entries == nil {
		return nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := fn([]byte(k), entries[k]); err != nil {
			return err
		}
	}

	return nil
}

func (t *memTx) RemoveBefore(list, cutoff []byte) (int, error) {
	if !t.writable {
		return 0, ErrTxNotWritable
	}

	entries := t.lists[string(list)]
	if entries == nil {
		return 0, nil
	}

	removed := 0
	for k := range entries {
		if bytes.Compare([]byte(k), cutoff) < 0 {
			delete(entries, k)
			removed++
		}
	}

	return removed, nil
}

// Package storage provides the transactional ordered-list primitive that
// backs tombstone streams and node metadata.  A store holds named lists;
// keys within a list are ordered bytewise, which callers exploit by
// encoding etags so that byte order equals logical order.
package storage

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("storage: store is closed")
	ErrTxNotWritable = errors.New("storage: transaction is not writable")
)

// MetaList is the list reserved for node-level metadata such as the etag
// restart counter and cached topology snapshots.
var MetaList = []byte("meta")

// Tx provides access to the named lists of a store within one transaction.
// A transaction obtained from View rejects mutating calls.
type Tx interface {
	// Get returns the value stored under key in the named list, or nil
	// when the key (or the list itself) does not exist.
	Get(list, key []byte) ([]byte, error)

	Put(list, key, value []byte) error
	Delete(list, key []byte) error

	// Scan visits the entries of the named list in ascending key order
	// until fn returns an error or the list is exhausted.
	Scan(list []byte, fn func(key, value []byte) error) error

	// RemoveBefore deletes every entry of the named list whose key is
	// bytewise less than cutoff and reports how many entries were removed.
	// Entries at or above the cutoff are untouched.
	RemoveBefore(list, cutoff []byte) (int, error)
}

// Store is the transactional storage collaborator.  Update runs fn inside a
// single write transaction: either every mutation fn performed is applied,
// or none is (when fn returns an error).
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

func contextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	bbolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const boltFileMode os.FileMode = 0o600

var defaultBoltOptions = &bbolt.Options{Timeout: 5 * time.Second, NoGrowSync: true}

type BoltStoreOptions struct {
	// Path of the database file; parent directories are created as needed.
	Path   string
	Logger *zap.Logger
}

// BoltStore is the durable Store implementation, a single bbolt file with
// one bucket per list.  bbolt provides single-writer/multi-reader
// semantics; we only guard the close state ourselves.
type BoltStore struct {
	logger *zap.Logger
	path   string
	db     *bbolt.DB
	closed atomic.Bool
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(opts BoltStoreOptions) (*BoltStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}

	optionsCopy := *defaultBoltOptions
	db, err := bbolt.Open(opts.Path, boltFileMode, &optionsCopy)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage file")
	}

	return &BoltStore{
		logger: logger,
		path:   opts.Path,
		db:     db,
	}, nil
}

// Path returns the location of the backing database file.
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := contextErr(ctx); err != nil {
		return err
	}

	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := contextErr(ctx); err != nil {
		return err
	}

	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	return s.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

var _ Tx = (*boltTx)(nil)

func (t *boltTx) Get(list, key []byte) ([]byte, error) {
	bucket := t.tx.Bucket(list)
	if bucket == nil {
		return nil, nil
	}

	value := bucket.Get(key)
	if value == nil {
		return nil, nil
	}

	// bbolt values are only valid for the lifetime of the transaction
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (t *boltTx) Put(list, key, value []byte) error {
	if !t.tx.Writable() {
		return ErrTxNotWritable
	}

	bucket, err := t.tx.CreateBucketIfNotExists(list)
	if err != nil {
		return err
	}

	return bucket.Put(key, value)
}

func (t *boltTx) Delete(list, key []byte) error {
	if !t.tx.Writable() {
		return ErrTxNotWritable
	}

	bucket := t.tx.Bucket(list)
	if bucket == nil {
		return nil
	}

	return bucket.Delete(key)
}

func (t *boltTx) Scan(list []byte, fn func(key, value []byte) error) error {
	bucket := t.tx.Bucket(list)
	if bucket == nil {
		return nil
	}

	cursor := bucket.Cursor()
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}

	return nil
}

func (t *boltTx) RemoveBefore(list, cutoff []byte) (int, error) {
	if !t.tx.Writable() {
		return 0, ErrTxNotWritable
	}

	bucket := t.tx.Bucket(list)
	if bucket == nil {
		return 0, nil
	}

	removed := 0
	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = cursor.Next() {
		if err := cursor.Delete(); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

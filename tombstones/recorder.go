package tombstones

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/driftdb/drift/etag"
	"github.com/driftdb/drift/pkg/metrics"
	"github.com/driftdb/drift/storage"
)

type RecorderOptions struct {
	Store  storage.Store
	Etags  *etag.Generator
	Logger *zap.Logger
}

// Recorder appends deletion markers on behalf of the content engines.  Each
// marker is stamped with the next etag from the node generator, which is
// what makes the stream's storage order equal its logical order.
type Recorder struct {
	store  storage.Store
	etags  *etag.Generator
	logger *zap.Logger
}

func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	if opts.Store == nil {
		return nil, errors.New("tombstones: recorder requires a store")
	}
	if opts.Etags == nil {
		return nil, errors.New("tombstones: recorder requires an etag generator")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recorder{
		store:  opts.Store,
		etags:  opts.Etags,
		logger: logger,
	}, nil
}

// Record appends a deletion marker for entityKey to the stream and returns
// the stored entry.
func (r *Recorder) Record(ctx context.Context, stream Stream, entityKey string) (Entry, error) {
	if _, err := ParseStream(string(stream)); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Key:       entityKey,
		Etag:      r.etags.Next(),
		DeletedAt: time.Now().UTC(),
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}

	err = r.store.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(stream.listName(), entry.Etag.Key(), value)
	})
	if err != nil {
		return Entry{}, err
	}

	metrics.GetNodeMetrics().TombstonesRecorded.Add(ctx, 1)
	r.logger.Debug("recorded tombstone",
		zap.String("stream", string(stream)),
		zap.String("key", entry.Key),
		zap.Stringer("etag", entry.Etag))

	return entry, nil
}

// List returns up to limit entries of the stream in etag order.  A limit of
// zero or less returns every entry.
func (r *Recorder) List(ctx context.Context, stream Stream, limit int) ([]Entry, error) {
	if _, err := ParseStream(string(stream)); err != nil {
		return nil, err
	}

	var entries []Entry
	err := r.store.View(ctx, func(tx storage.Tx) error {
		return tx.Scan(stream.listName(), func(key, value []byte) error {
			if limit > 0 && len(entries) >= limit {
				return errScanDone
			}

			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				// a malformed marker is skipped rather than failing the
				// whole listing; the etag key still orders the stream
				r.logger.Warn("skipping malformed tombstone entry", zap.Error(err))
				return nil
			}

			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil && !errors.Is(err, errScanDone) {
		return nil, err
	}

	return entries, nil
}

var errScanDone = errors.New("tombstones: scan done")

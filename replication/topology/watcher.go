package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/storage"
	"github.com/driftdb/drift/utils/latestonlychannel"
)

const defaultWatchInterval = time.Minute

// snapshotKey locates the cached snapshot inside the storage meta list.
var snapshotKey = []byte("topology/snapshot")

var ErrNoSnapshot = errors.New("no cached topology snapshot")

// Snapshot is the result of one full crawl over every configured root.
type Snapshot struct {
	TakenAt time.Time             `json:"takenAt"`
	Stores  map[string]*Flattened `json:"stores"`
}

type WatcherOptions struct {
	Logger     *zap.Logger
	Discoverer *Discoverer

	// Roots are the stores to crawl from, usually one destination per
	// replication-enabled local store pointing at the node itself.
	Roots []replication.PeerDestination

	// Interval separates successful crawls, default one minute. Failed
	// crawls are retried with exponential backoff instead.
	Interval time.Duration
	MaxDepth int

	// Store, when set, caches the latest snapshot so topology reads can
	// be served without a fresh crawl.
	Store storage.Store
}

type Watcher struct {
	logger     *zap.Logger
	discoverer *Discoverer
	roots      []replication.PeerDestination
	interval   time.Duration
	maxDepth   int
	store      storage.Store
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Discoverer == nil {
		return nil, errors.New("must specify a discoverer for the watcher")
	}
	if len(opts.Roots) == 0 {
		return nil, errors.New("must specify at least one crawl root for the watcher")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	maxDepth := opts.MaxDepth
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}

	return &Watcher{
		logger:     logger,
		discoverer: opts.Discoverer,
		roots:      opts.Roots,
		interval:   interval,
		maxDepth:   maxDepth,
		store:      opts.Store,
	}, nil
}

// Watch crawls on a fixed interval and yields the resulting snapshots. The
// returned channel only ever carries the latest snapshot, so a slow
// consumer observes the newest state rather than a backlog. The channel
// closes once ctx ends.
func (w *Watcher) Watch(ctx context.Context) <-chan *Snapshot {
	snapshotCh := make(chan *Snapshot)

	go func() {
		defer close(snapshotCh)

		b := backoff.NewExponentialBackOff()

	MainLoop:
		for {
			snapshot, err := w.crawlOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break MainLoop
				}
				w.logger.Warn("topology crawl failed", zap.Error(err))

				select {
				case <-time.After(b.NextBackOff()):
					continue
				case <-ctx.Done():
					break MainLoop
				}
			}
			b.Reset()

			select {
			case snapshotCh <- snapshot:
			case <-ctx.Done():
				break MainLoop
			}

			select {
			case <-time.After(w.interval):
			case <-ctx.Done():
				break MainLoop
			}
		}
	}()

	return latestonlychannel.Wrap(snapshotCh)
}

func (w *Watcher) crawlOnce(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{
		TakenAt: time.Now().UTC(),
		Stores:  make(map[string]*Flattened, len(w.roots)),
	}

	for _, root := range w.roots {
		node, err := w.discoverer.Discover(ctx, root, w.maxDepth)
		if err != nil {
			return nil, fmt.Errorf("crawl of store %q: %w", root.Store, err)
		}
		snapshot.Stores[root.Store] = Flatten(node)
	}

	if w.store != nil {
		if err := w.cacheSnapshot(ctx, snapshot); err != nil {
			return nil, fmt.Errorf("caching topology snapshot: %w", err)
		}
	}

	return snapshot, nil
}

func (w *Watcher) cacheSnapshot(ctx context.Context, snapshot *Snapshot) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, encoded)

	return w.store.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.MetaList, snapshotKey, compressed)
	})
}

// CachedSnapshot returns the last snapshot a watch loop persisted, or
// ErrNoSnapshot when nothing was cached yet.
func (w *Watcher) CachedSnapshot(ctx context.Context) (*Snapshot, error) {
	if w.store == nil {
		return nil, ErrNoSnapshot
	}

	var compressed []byte
	err := w.store.View(ctx, func(tx storage.Tx) error {
		value, err := tx.Get(storage.MetaList, snapshotKey)
		if err != nil {
			return err
		}
		compressed = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	if compressed == nil {
		return nil, ErrNoSnapshot
	}

	encoded, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("corrupt topology snapshot cache: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return nil, fmt.Errorf("corrupt topology snapshot cache: %w", err)
	}
	return &snapshot, nil
}

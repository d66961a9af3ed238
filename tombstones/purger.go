package tombstones

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/driftdb/drift/etag"
	"github.com/driftdb/drift/pkg/metrics"
	"github.com/driftdb/drift/storage"
)

// ErrNoCutoff is returned when a purge request names no cutoff at all; the
// request is rejected before any storage access.
var ErrNoCutoff = errors.New("tombstones: no purge cutoff supplied")

// PurgeRequest carries the per-stream cutoffs.  A nil cutoff leaves that
// stream untouched.  Cutoffs are supplied by the caller because only an
// external coordinator can know the minimum synced etag across all peers;
// the purger never computes a "safe" threshold itself.
type PurgeRequest struct {
	Documents   *etag.Etag
	Attachments *etag.Etag
}

// PurgeResult reports how many entries each stream lost.
type PurgeResult struct {
	Documents   int `json:"documents"`
	Attachments int `json:"attachments"`
}

type PurgerOptions struct {
	Store  storage.Store
	Logger *zap.Logger
}

// Purger removes tombstones strictly older than a caller-supplied etag,
// one write transaction per requested stream.  Purging is idempotent:
// repeating a purge with the same or an older cutoff removes nothing
// further, so callers may safely retry after a storage failure.
type Purger struct {
	store  storage.Store
	logger *zap.Logger
}

func NewPurger(opts PurgerOptions) (*Purger, error) {
	if opts.Store == nil {
		return nil, errors.New("tombstones: purger requires a store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Purger{
		store:  opts.Store,
		logger: logger,
	}, nil
}

func (p *Purger) Purge(ctx context.Context, req PurgeRequest) (PurgeResult, error) {
	if req.Documents == nil && req.Attachments == nil {
		return PurgeResult{}, ErrNoCutoff
	}

	var result PurgeResult

	if req.Documents != nil {
		removed, err := p.purgeStream(ctx, StreamDocuments, *req.Documents)
		if err != nil {
			return result, err
		}
		result.Documents = removed
	}

	if req.Attachments != nil {
		removed, err := p.purgeStream(ctx, StreamAttachments, *req.Attachments)
		if err != nil {
			return result, err
		}
		result.Attachments = removed
	}

	return result, nil
}

func (p *Purger) purgeStream(ctx context.Context, stream Stream, cutoff etag.Etag) (int, error) {
	removed := 0
	err := p.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		removed, err = tx.RemoveBefore(stream.listName(), cutoff.Key())
		return err
	})
	if err != nil {
		return 0, err
	}

	metrics.GetNodeMetrics().TombstonesPurged.Add(ctx, int64(removed))
	p.logger.Info("purged tombstones",
		zap.String("stream", string(stream)),
		zap.Stringer("cutoff", cutoff),
		zap.Int("removed", removed))

	return removed, nil
}

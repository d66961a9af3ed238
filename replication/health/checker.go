package health

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/executor"
)

const defaultMaxInFlight = 8

var ErrNoDestinations = errors.New("no replication destinations to check")

type CheckerOptions struct {
	Logger   *zap.Logger
	Executor *executor.Executor

	// MaxInFlight bounds the number of concurrent probes, default 8.
	MaxInFlight int
}

type Checker struct {
	logger      *zap.Logger
	executor    *executor.Executor
	maxInFlight int
}

func NewChecker(opts CheckerOptions) (*Checker, error) {
	if opts.Executor == nil {
		return nil, errors.New("must specify an executor for the checker")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	return &Checker{
		logger:      logger,
		executor:    opts.Executor,
		maxInFlight: maxInFlight,
	}, nil
}

// CheckAll probes every destination concurrently and returns one status per
// input. Result i always describes destinations[i] no matter which probe
// finished first; callers correlate by position.
func (c *Checker) CheckAll(ctx context.Context, destinations []replication.PeerDestination) ([]DestinationStatus, error) {
	if len(destinations) == 0 {
		return nil, ErrNoDestinations
	}

	statuses := make([]DestinationStatus, len(destinations))

	var g errgroup.Group
	g.SetLimit(c.maxInFlight)
	for i, dest := range destinations {
		g.Go(func() error {
			statuses[i] = c.probeOne(ctx, dest)
			return nil
		})
	}
	_ = g.Wait()

	return statuses, nil
}

func (c *Checker) probeOne(ctx context.Context, dest replication.PeerDestination) DestinationStatus {
	status := DestinationStatus{
		URL:    dest.URL,
		Store:  dest.Store,
		Status: StatusValid,
		Code:   http.StatusOK,
	}

	probeURL := dest.NormalizedURL() + replication.InfoPath
	resp, err := c.executor.Execute(ctx, http.MethodPost, probeURL, executor.RequestOptions{
		Credentials: dest.Credentials,
	})
	if err != nil {
		status.Status, status.Code = ClassifyFailure(err)
		c.logger.Debug("destination probe never reached the peer",
			zap.String("url", probeURL),
			zap.Error(err))
		return status
	}

	status.Status, status.Code = Classify(resp)
	return status
}

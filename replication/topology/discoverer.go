package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/driftdb/drift/pkg/metrics"
	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/executor"
	"github.com/driftdb/drift/replication/health"
)

// DefaultMaxDepth bounds a crawl whose caller did not pick a depth. It
// guards against misconfigured meshes, not cycles; cycles are broken by the
// registry regardless of depth.
const DefaultMaxDepth = 10

const defaultMaxInFlight = 8

type DiscovererOptions struct {
	Logger   *zap.Logger
	Executor *executor.Executor

	// MaxInFlight bounds concurrent peer-list fetches across all branches
	// of a crawl, default 8.
	MaxInFlight int

	// DefaultCredentials apply to destinations that carry none; peers
	// redact credentials from the destination lists they serve.
	DefaultCredentials replication.Credentials
}

type Discoverer struct {
	logger   *zap.Logger
	executor *executor.Executor
	creds    replication.Credentials
	sem      *semaphore.Weighted
}

func NewDiscoverer(opts DiscovererOptions) (*Discoverer, error) {
	if opts.Executor == nil {
		return nil, errors.New("must specify an executor for the discoverer")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	return &Discoverer{
		logger:   logger,
		executor: opts.Executor,
		creds:    opts.DefaultCredentials,
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
	}, nil
}

// Discover crawls the mesh reachable from root and returns the root of the
// discovered graph. Every distinct identity is fetched exactly once; later
// references reuse the registered node, which is what keeps cyclic meshes
// finite. maxDepth < 0 selects DefaultMaxDepth; a node reached at depth 0
// is still fetched but its destinations are not followed. A single
// unreachable peer never fails the crawl, it just becomes a leaf.
func (d *Discoverer) Discover(ctx context.Context, root replication.PeerDestination, maxDepth int) (*Node, error) {
	if err := root.Validate(); err != nil {
		return nil, err
	}
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}

	reg := newRegistry()
	rootNode, _ := reg.claim(identityFor(root), root.Store)
	d.visit(ctx, reg, rootNode, root, maxDepth)

	metrics.GetNodeMetrics().CrawlsRun.Add(ctx, 1)
	metrics.GetNodeMetrics().NodesDiscovered.Add(ctx, int64(reg.size()))

	d.logger.Debug("topology crawl finished",
		zap.String("root", rootNode.ID.String()),
		zap.Int("nodes", reg.size()))

	return rootNode, nil
}

// visit runs the single fetch for a freshly claimed node and, while depth
// remains, expands its destinations. Closing node.done before expanding
// publishes the outcome to every branch waiting on this node, so a cycle
// back into it can never deadlock.
func (d *Discoverer) visit(ctx context.Context, reg *registry, node *Node, dest replication.PeerDestination, depth int) {
	doc, outcome := d.fetchDestinations(ctx, dest)

	node.outcome = outcome
	if doc != nil {
		node.ServerID = doc.ServerID
	}
	close(node.done)

	if doc == nil || depth <= 0 {
		return
	}

	node.Edges = make([]Edge, len(doc.Destinations))

	var wg sync.WaitGroup
	for i, next := range doc.Destinations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			node.Edges[i] = d.expand(ctx, reg, next, depth-1)
		}()
	}
	wg.Wait()
}

// expand resolves one listed destination to its node. The claiming branch
// visits it synchronously; every other branch waits for the claimant's
// fetch to settle and reuses its outcome.
func (d *Discoverer) expand(ctx context.Context, reg *registry, dest replication.PeerDestination, depth int) Edge {
	destNode, claimed := reg.claim(identityFor(dest), dest.Store)
	if claimed {
		d.visit(ctx, reg, destNode, dest, depth)
	} else {
		select {
		case <-destNode.done:
		case <-ctx.Done():
			return Edge{Dest: destNode, Outcome: EdgeOutcome{
				Kind:   OutcomeError,
				Status: ctx.Err().Error(),
				Code:   -int(executor.FailureUnknown),
			}}
		}
	}

	return Edge{Dest: destNode, Outcome: destNode.outcome}
}

// fetchDestinations performs a node's one peer-list fetch and classifies
// the result. The semaphore bounds in-flight requests across the crawl; it
// is held only around the network call.
func (d *Discoverer) fetchDestinations(ctx context.Context, dest replication.PeerDestination) (*replication.DestinationsDocument, EdgeOutcome) {
	if err := dest.Validate(); err != nil {
		return nil, EdgeOutcome{
			Kind:   OutcomeError,
			Status: err.Error(),
			Code:   -int(executor.FailureUnknown),
		}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		status, code := health.ClassifyFailure(err)
		return nil, EdgeOutcome{Kind: OutcomeError, Status: status, Code: code}
	}

	creds := dest.Credentials
	if creds.IsZero() {
		creds = d.creds
	}

	fetchURL := dest.NormalizedURL() + replication.DestinationsPath
	resp, err := d.executor.Execute(ctx, http.MethodGet, fetchURL, executor.RequestOptions{
		Credentials: creds,
	})
	d.sem.Release(1)

	if err != nil {
		status, code := health.ClassifyFailure(err)
		return nil, EdgeOutcome{Kind: OutcomeError, Status: status, Code: code}
	}

	status, code := health.Classify(resp)
	if !resp.IsSuccess() {
		kind := OutcomeError
		if health.Unauthorized(code) {
			kind = OutcomeUnauthorized
		}
		return nil, EdgeOutcome{Kind: kind, Status: status, Code: code}
	}

	var doc replication.DestinationsDocument
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, EdgeOutcome{
			Kind:   OutcomeError,
			Status: fmt.Sprintf("invalid destinations document: %s", err),
			Code:   -int(executor.FailureProtocol),
		}
	}

	return &doc, EdgeOutcome{Kind: OutcomeCommunicating, Status: status, Code: code}
}

// identityFor derives a node identity from a destination entry. Invalid
// entries keep their raw URL so they still land in the registry as
// unexpandable leaves instead of colliding with real endpoints.
func identityFor(dest replication.PeerDestination) Identity {
	if dest.Validate() != nil {
		return Identity{Kind: dest.Kind, URL: dest.URL}
	}
	return Identity{Kind: dest.Kind, URL: dest.NormalizedURL()}
}

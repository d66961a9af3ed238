package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftdb/drift/clustering"
	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/health"
	"github.com/driftdb/drift/replication/topology"
	"github.com/driftdb/drift/tombstones"
)

func postDestinations(t *testing.T, rawURL string, destinations []replication.PeerDestination, out any) int {
	t.Helper()

	body, err := json.Marshal(destinations)
	require.NoError(t, err)
	return request(t, http.MethodPost, rawURL, bytes.NewReader(body), out)
}

func serverIDs(flat *topology.Flattened) map[string]bool {
	ids := make(map[string]bool)
	for _, node := range flat.Nodes {
		ids[node.ServerID] = true
	}
	return ids
}

func TestTopologyLiveCrawl(t *testing.T) {
	a := newTestNode(t, func(opts *ServerOptions) {
		opts.ServerID = "srv-aaaa"
	})
	b := newTestNode(t, func(opts *ServerOptions) {
		opts.ServerID = "srv-bbbb"
	})

	a.setDestinations("orders", []replication.PeerDestination{
		{URL: b.url(), Store: "orders", Kind: replication.StoreKindDocument},
	})
	b.setDestinations("orders", []replication.PeerDestination{
		{URL: a.url(), Store: "orders", Kind: replication.StoreKindDocument},
	})

	var flat topology.Flattened
	code := request(t, http.MethodGet, a.url()+"/admin/replication/topology?store=orders", nil, &flat)
	require.Equal(t, http.StatusOK, code)

	require.Len(t, flat.Nodes, 2)
	require.Len(t, flat.Edges, 2)
	assert.True(t, serverIDs(&flat)["srv-aaaa"])
	assert.True(t, serverIDs(&flat)["srv-bbbb"])
	for _, edge := range flat.Edges {
		assert.Equal(t, topology.OutcomeCommunicating, edge.Outcome.Kind)
	}

	// Depth zero still reports the root but expands nothing.
	code = request(t, http.MethodGet, a.url()+"/admin/replication/topology?store=orders&depth=0", nil, &flat)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, flat.Nodes, 1)
	assert.Empty(t, flat.Edges)
	assert.Equal(t, "srv-aaaa", flat.Nodes[0].ServerID)
}

func TestTopologyValidation(t *testing.T) {
	node := newTestNode(t, nil)

	var errResp errorResponse
	code := request(t, http.MethodGet, node.url()+"/admin/replication/topology", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "store")

	code = request(t, http.MethodGet, node.url()+"/admin/replication/topology?store=ghost", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "ghost")

	code = request(t, http.MethodGet, node.url()+"/admin/replication/topology?store=orders&depth=banana", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "depth")

	code = request(t, http.MethodGet, node.url()+"/admin/replication/topology?cached=banana", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "cached")
}

func TestTopologyCached(t *testing.T) {
	node := newTestNode(t, nil)

	var errResp errorResponse
	code := request(t, http.MethodGet, node.url()+"/admin/replication/topology?cached=1", nil, &errResp)
	require.Equal(t, http.StatusNotFound, code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshotCh := node.watcher.Watch(ctx)
	receiveSnapshot(t, snapshotCh)

	var flat topology.Flattened
	code = request(t, http.MethodGet, node.url()+"/admin/replication/topology?cached=1&store=orders", nil, &flat)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, flat.Nodes, 1)
	assert.Equal(t, "srv-local", flat.Nodes[0].ServerID)

	var snapshot topology.Snapshot
	code = request(t, http.MethodGet, node.url()+"/admin/replication/topology?cached=true", nil, &snapshot)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, snapshot.TakenAt.IsZero())
	assert.Contains(t, snapshot.Stores, "orders")
	assert.Contains(t, snapshot.Stores, "media")

	code = request(t, http.MethodGet, node.url()+"/admin/replication/topology?cached=1&store=ghost", nil, &errResp)
	require.Equal(t, http.StatusNotFound, code)

	cancel()
	drainSnapshots(snapshotCh)
}

func TestTopologyCachedWithoutWatcher(t *testing.T) {
	node := newTestNode(t, func(opts *ServerOptions) {
		opts.Watcher = nil
	})

	var errResp errorResponse
	code := request(t, http.MethodGet, node.url()+"/admin/replication/topology?cached=1", nil, &errResp)
	require.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, errResp.Error, "no cached topology snapshot")
}

func TestHealthEndpointClassifiesStoreDestinations(t *testing.T) {
	node := newTestNode(t, nil)

	deadServer := httptest.NewServer(http.NotFoundHandler())
	deadURL := deadServer.URL
	deadServer.Close()

	node.setDestinations("orders", []replication.PeerDestination{
		{URL: node.url(), Store: "media", Kind: replication.StoreKindFile},
		{URL: node.url(), Store: "archive", Kind: replication.StoreKindDocument},
		{URL: node.url(), Store: "ghost", Kind: replication.StoreKindDocument},
		{URL: deadURL, Store: "orders", Kind: replication.StoreKindDocument},
	})

	var statuses []health.DestinationStatus
	code := request(t, http.MethodPost, node.url()+"/admin/replication/health?store=orders", nil, &statuses)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, statuses, 4)

	assert.Equal(t, health.StatusValid, statuses[0].Status)
	assert.Equal(t, http.StatusOK, statuses[0].Code)

	assert.Equal(t, health.StatusBundleNotActivated, statuses[1].Status)
	assert.Equal(t, http.StatusBadRequest, statuses[1].Code)

	assert.Equal(t, "Not Found", statuses[2].Status)
	assert.Equal(t, http.StatusNotFound, statuses[2].Code)

	assert.Equal(t, -3, statuses[3].Code)
	assert.Contains(t, statuses[3].Status, "connection failure")
}

func TestHealthEndpointPostedList(t *testing.T) {
	node := newTestNode(t, nil)

	var statuses []health.DestinationStatus
	code := postDestinations(t, node.url()+"/admin/replication/health?store=orders",
		[]replication.PeerDestination{
			{URL: node.url(), Store: "media", Kind: replication.StoreKindFile},
		}, &statuses)
	require.Equal(t, http.StatusOK, code)

	// The posted list wins over the store parameter.
	require.Len(t, statuses, 1)
	assert.Equal(t, health.StatusValid, statuses[0].Status)
}

func TestHealthEndpointValidation(t *testing.T) {
	node := newTestNode(t, nil)

	var errResp errorResponse
	code := request(t, http.MethodPost, node.url()+"/admin/replication/health", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "must specify a store")

	code = request(t, http.MethodPost, node.url()+"/admin/replication/health?store=ghost", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "ghost")

	// The media store has no destinations configured.
	code = request(t, http.MethodPost, node.url()+"/admin/replication/health?store=media", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "no replication destinations")

	code = request(t, http.MethodPost, node.url()+"/admin/replication/health",
		bytes.NewReader([]byte("certainly not json")), &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "invalid destination list")
}

func TestHealthEndpointAuthTaxonomy(t *testing.T) {
	node := newTestNode(t, func(opts *ServerOptions) {
		opts.InboundCredentials = replication.Credentials{
			Username: "admin",
			Password: "hunter2",
		}
	})

	healthURL := node.url() + "/admin/replication/health"

	var statuses []health.DestinationStatus
	code := postDestinations(t, healthURL, []replication.PeerDestination{
		{URL: node.url(), Store: "orders", Kind: replication.StoreKindDocument},
	}, &statuses)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, statuses, 1)
	assert.Equal(t, health.StatusBasicAuthFailed, statuses[0].Status)
	assert.Equal(t, http.StatusUnauthorized, statuses[0].Code)

	code = postDestinations(t, healthURL, []replication.PeerDestination{
		{
			URL:   node.url(),
			Store: "orders",
			Kind:  replication.StoreKindDocument,
			Credentials: replication.Credentials{
				Username: "admin",
				Password: "hunter2",
			},
		},
	}, &statuses)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, statuses, 1)
	assert.Equal(t, health.StatusValid, statuses[0].Status)
}

func TestHealthEndpointAPIKeyTaxonomy(t *testing.T) {
	node := newTestNode(t, func(opts *ServerOptions) {
		opts.InboundCredentials = replication.Credentials{
			APIKey: "sekrit",
		}
	})

	var statuses []health.DestinationStatus
	code := postDestinations(t, node.url()+"/admin/replication/health",
		[]replication.PeerDestination{
			{URL: node.url(), Store: "orders", Kind: replication.StoreKindDocument},
		}, &statuses)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, statuses, 1)
	assert.Equal(t, health.StatusAPIKeyAuthFailed, statuses[0].Status)
	assert.Equal(t, http.StatusPreconditionFailed, statuses[0].Code)
}

func TestPurgeTombstonesEndpoint(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, nil)

	var docs []tombstones.Entry
	for _, key := range []string{"doc-1", "doc-2", "doc-3", "doc-4", "doc-5"} {
		entry, err := node.recorder.Record(ctx, tombstones.StreamDocuments, key)
		require.NoError(t, err)
		docs = append(docs, entry)
	}
	for _, key := range []string{"att-1", "att-2"} {
		_, err := node.recorder.Record(ctx, tombstones.StreamAttachments, key)
		require.NoError(t, err)
	}

	purgeURL := node.url() + "/admin/replication/purge-tombstones"

	// A malformed cutoff is rejected before any storage access.
	var errResp errorResponse
	code := request(t, http.MethodPost, purgeURL+"?docEtag=banana", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "docEtag")

	listed, err := node.recorder.List(ctx, tombstones.StreamDocuments, 0)
	require.NoError(t, err)
	require.Len(t, listed, 5)

	code = request(t, http.MethodPost, purgeURL, nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "no purge cutoff")

	var result tombstones.PurgeResult
	code = request(t, http.MethodPost, purgeURL+"?docEtag="+docs[2].Etag.String(), nil, &result)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, result.Documents)
	assert.Equal(t, 0, result.Attachments)

	remaining, err := node.recorder.List(ctx, tombstones.StreamDocuments, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, docs[2].Etag, remaining[0].Etag)

	attachments, err := node.recorder.List(ctx, tombstones.StreamAttachments, 0)
	require.NoError(t, err)
	assert.Len(t, attachments, 2)
}

func TestTombstonesListing(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, nil)

	for _, key := range []string{"doc-1", "doc-2", "doc-3"} {
		_, err := node.recorder.Record(ctx, tombstones.StreamDocuments, key)
		require.NoError(t, err)
	}

	listURL := node.url() + "/admin/replication/tombstones"

	var listing tombstoneListing
	code := request(t, http.MethodGet, listURL+"?stream=documents&limit=2", nil, &listing)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "documents", listing.Stream)
	require.Len(t, listing.Entries, 2)
	assert.Equal(t, "doc-1", listing.Entries[0].Key)
	assert.Equal(t, "doc-2", listing.Entries[1].Key)

	// An empty stream lists as an empty array, not null.
	code = request(t, http.MethodGet, listURL+"?stream=attachments", nil, &listing)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, listing.Entries)
	assert.Empty(t, listing.Entries)

	var errResp errorResponse
	code = request(t, http.MethodGet, listURL+"?stream=bogus", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "unknown stream")

	code = request(t, http.MethodGet, listURL+"?stream=documents&limit=banana", nil, &errResp)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error, "limit")
}

func TestClusterInstancesEndpoint(t *testing.T) {
	ctx := context.Background()

	manager := &clustering.Manager{
		Provider: clustering.NewInProcProvider(),
		Logger:   zaptest.NewLogger(t),
	}
	_, err := manager.Join(ctx, &clustering.Member{
		MemberID:  "node-1",
		PublicURL: "https://one.example.com:4985",
		ServerID:  "srv-aaaa",
		Stores:    []string{"orders"},
	})
	require.NoError(t, err)

	node := newTestNode(t, func(opts *ServerOptions) {
		opts.Cluster = manager
	})

	var listing clusterListing
	code := request(t, http.MethodGet, node.url()+"/admin/cluster/instances", nil, &listing)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, listing.Instances, 1)
	assert.Equal(t, "node-1", listing.Instances[0].MemberID)
	assert.Equal(t, "https://one.example.com:4985", listing.Instances[0].PublicURL)
	assert.Equal(t, []string{"orders"}, listing.Instances[0].Stores)
	assert.Greater(t, listing.Revision, int64(0))
}

func TestClusterInstancesUnconfigured(t *testing.T) {
	node := newTestNode(t, nil)

	var errResp errorResponse
	code := request(t, http.MethodGet, node.url()+"/admin/cluster/instances", nil, &errResp)
	require.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, errResp.Error, "not configured")
}

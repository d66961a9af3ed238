package topology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/executor"
	"github.com/driftdb/drift/replication/health"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("golang.org/x/net/http2.(*serverConn).serve"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// fakePeer describes how one store of the fake mesh answers its
// destinations fetch.
type fakePeer struct {
	serverID     string
	destinations []string

	// extra destinations outside the mesh server, served verbatim
	extra []replication.PeerDestination

	// non-zero statusCode answers with body instead of a document
	statusCode int
	body       string

	requireAPIKey string
}

// fakeMesh serves a set of interlinked stores from one test server and
// counts how often each store's destination list was fetched.
type fakeMesh struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	peers   map[string]fakePeer
	fetches map[string]int
}

func newFakeMesh(t *testing.T, peers map[string]fakePeer) *fakeMesh {
	t.Helper()

	m := &fakeMesh{
		t:       t,
		peers:   peers,
		fetches: make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *fakeMesh) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "replication" || parts[3] != "destinations" {
		m.t.Errorf("unexpected fetch path %q", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, ok := replication.KindFromSubPath(parts[0]); !ok {
		m.t.Errorf("unexpected store sub-path %q", parts[0])
		w.WriteHeader(http.StatusNotFound)
		return
	}
	store := parts[1]

	m.mu.Lock()
	peer, ok := m.peers[store]
	m.fetches[store]++
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"Error":"no such store"}`))
		return
	}
	if peer.requireAPIKey != "" && r.Header.Get("Api-Key") != peer.requireAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if peer.statusCode != 0 {
		w.WriteHeader(peer.statusCode)
		_, _ = w.Write([]byte(peer.body))
		return
	}

	doc := replication.DestinationsDocument{ServerID: peer.serverID}
	for _, name := range peer.destinations {
		doc.Destinations = append(doc.Destinations, m.destination(name))
	}
	doc.Destinations = append(doc.Destinations, peer.extra...)
	_ = json.NewEncoder(w).Encode(doc)
}

func (m *fakeMesh) destination(store string) replication.PeerDestination {
	return replication.PeerDestination{
		URL:   m.server.URL,
		Store: store,
		Kind:  replication.StoreKindDocument,
	}
}

func (m *fakeMesh) fetchCount(store string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[store]
}

func newTestDiscoverer(t *testing.T, opts DiscovererOptions) *Discoverer {
	t.Helper()

	if opts.Executor == nil {
		opts.Executor = executor.NewExecutor(executor.ExecutorOptions{})
	}
	d, err := NewDiscoverer(opts)
	require.NoError(t, err)
	return d
}

// edgeTo finds the edge from node to the store with the given name.
func edgeTo(t *testing.T, node *Node, store string) Edge {
	t.Helper()

	for _, edge := range node.Edges {
		if edge.Dest.Store == store {
			return edge
		}
	}
	t.Fatalf("node %s has no edge to store %q", node.ID, store)
	return Edge{}
}

func TestDiscoverBreaksCycles(t *testing.T) {
	mesh := newFakeMesh(t, map[string]fakePeer{
		"a": {serverID: "srv-a", destinations: []string{"b"}},
		"b": {serverID: "srv-b", destinations: []string{"a"}},
	})

	d := newTestDiscoverer(t, DiscovererOptions{})
	root, err := d.Discover(context.Background(), mesh.destination("a"), -1)
	require.NoError(t, err)

	require.Equal(t, "srv-a", root.ServerID)
	require.Equal(t, OutcomeCommunicating, root.Outcome().Kind)
	require.Len(t, root.Edges, 1)

	b := edgeTo(t, root, "b").Dest
	require.Equal(t, "srv-b", b.ServerID)
	require.Len(t, b.Edges, 1)

	// the cycle edge reuses the root node instead of spawning a duplicate
	require.Same(t, root, b.Edges[0].Dest)

	require.Equal(t, 1, mesh.fetchCount("a"))
	require.Equal(t, 1, mesh.fetchCount("b"))
}

func TestDiscoverSharedPeerFetchedOnce(t *testing.T) {
	mesh := newFakeMesh(t, map[string]fakePeer{
		"a": {serverID: "srv-a", destinations: []string{"b", "c"}},
		"b": {serverID: "srv-b", destinations: []string{"d"}},
		"c": {serverID: "srv-c", destinations: []string{"d"}},
		"d": {serverID: "srv-d"},
	})

	d := newTestDiscoverer(t, DiscovererOptions{})
	root, err := d.Discover(context.Background(), mesh.destination("a"), -1)
	require.NoError(t, err)
	require.Len(t, root.Edges, 2)

	viaB := edgeTo(t, edgeTo(t, root, "b").Dest, "d")
	viaC := edgeTo(t, edgeTo(t, root, "c").Dest, "d")

	require.Same(t, viaB.Dest, viaC.Dest)
	require.Equal(t, viaB.Outcome, viaC.Outcome)
	require.Equal(t, OutcomeCommunicating, viaB.Outcome.Kind)
	require.Equal(t, 1, mesh.fetchCount("d"))
}

func TestDiscoverDepthBoundary(t *testing.T) {
	peers := map[string]fakePeer{
		"a": {serverID: "srv-a", destinations: []string{"b"}},
		"b": {serverID: "srv-b", destinations: []string{"c"}},
		"c": {serverID: "srv-c", destinations: []string{"d"}},
		"d": {serverID: "srv-d"},
	}

	mesh := newFakeMesh(t, peers)
	d := newTestDiscoverer(t, DiscovererOptions{})

	root, err := d.Discover(context.Background(), mesh.destination("a"), 2)
	require.NoError(t, err)

	b := edgeTo(t, root, "b").Dest
	c := edgeTo(t, b, "c").Dest

	// the node at the depth limit is fetched but not expanded
	require.Equal(t, "srv-c", c.ServerID)
	require.Equal(t, OutcomeCommunicating, c.Outcome().Kind)
	require.Empty(t, c.Edges)

	require.Equal(t, 1, mesh.fetchCount("c"))
	require.Equal(t, 0, mesh.fetchCount("d"))

	// depth zero still fetches the root itself
	mesh2 := newFakeMesh(t, peers)
	root, err = d.Discover(context.Background(), mesh2.destination("a"), 0)
	require.NoError(t, err)
	require.Equal(t, "srv-a", root.ServerID)
	require.Empty(t, root.Edges)
	require.Equal(t, 1, mesh2.fetchCount("a"))
	require.Equal(t, 0, mesh2.fetchCount("b"))
}

func TestDiscoverUnreachablePeerBecomesLeaf(t *testing.T) {
	downServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := downServer.URL
	downServer.Close()

	mesh := newFakeMesh(t, map[string]fakePeer{
		"a": {
			serverID:     "srv-a",
			destinations: []string{"locked", "inactive", "b"},
			extra: []replication.PeerDestination{
				{URL: downURL, Store: "gone", Kind: replication.StoreKindDocument},
			},
		},
		"b": {serverID: "srv-b"},
		"locked": {
			statusCode: http.StatusUnauthorized,
		},
		"inactive": {
			statusCode: http.StatusBadRequest,
			body:       `{"Error":"Replication bundle not activated."}`,
		},
	})

	d := newTestDiscoverer(t, DiscovererOptions{})
	root, err := d.Discover(context.Background(), mesh.destination("a"), -1)
	require.NoError(t, err)
	require.Len(t, root.Edges, 4)

	locked := edgeTo(t, root, "locked")
	require.Equal(t, OutcomeUnauthorized, locked.Outcome.Kind)
	require.Equal(t, health.StatusBasicAuthFailed, locked.Outcome.Status)
	require.Equal(t, http.StatusUnauthorized, locked.Outcome.Code)
	require.Empty(t, locked.Dest.Edges)

	inactive := edgeTo(t, root, "inactive")
	require.Equal(t, OutcomeError, inactive.Outcome.Kind)
	require.Equal(t, health.StatusBundleNotActivated, inactive.Outcome.Status)
	require.Equal(t, http.StatusBadRequest, inactive.Outcome.Code)

	gone := edgeTo(t, root, "gone")
	require.Equal(t, OutcomeError, gone.Outcome.Kind)
	require.Equal(t, -int(executor.FailureConnection), gone.Outcome.Code)
	require.Empty(t, gone.Dest.Edges)

	// the healthy siblings are still crawled
	require.Equal(t, OutcomeCommunicating, edgeTo(t, root, "b").Outcome.Kind)

	// a root that is down yields a leaf graph, not an error
	root, err = d.Discover(context.Background(), replication.PeerDestination{
		URL:   downURL,
		Store: "gone",
		Kind:  replication.StoreKindDocument,
	}, -1)
	require.NoError(t, err)
	require.Equal(t, OutcomeError, root.Outcome().Kind)
	require.Equal(t, -int(executor.FailureConnection), root.Outcome().Code)
	require.Empty(t, root.Edges)
}

func TestDiscoverMalformedDocument(t *testing.T) {
	mesh := newFakeMesh(t, map[string]fakePeer{
		"a":      {serverID: "srv-a", destinations: []string{"broken"}},
		"broken": {statusCode: http.StatusOK, body: "surprise, not json"},
	})

	d := newTestDiscoverer(t, DiscovererOptions{})
	root, err := d.Discover(context.Background(), mesh.destination("a"), -1)
	require.NoError(t, err)

	broken := edgeTo(t, root, "broken")
	require.Equal(t, OutcomeError, broken.Outcome.Kind)
	require.Equal(t, -int(executor.FailureProtocol), broken.Outcome.Code)
	require.Contains(t, broken.Outcome.Status, "invalid destinations document")
}

func TestDiscoverInvalidRoot(t *testing.T) {
	d := newTestDiscoverer(t, DiscovererOptions{})

	_, err := d.Discover(context.Background(), replication.PeerDestination{Store: "x"}, -1)
	require.ErrorIs(t, err, replication.ErrInvalidDestination)
}

func TestDiscoverDefaultCredentials(t *testing.T) {
	mesh := newFakeMesh(t, map[string]fakePeer{
		"a": {serverID: "srv-a", destinations: []string{"b"}, requireAPIKey: "key/secret"},
		"b": {serverID: "srv-b", requireAPIKey: "key/secret"},
	})

	// peers redact credentials from served destination lists, so the crawl
	// falls back to the configured default credentials
	d := newTestDiscoverer(t, DiscovererOptions{
		DefaultCredentials: replication.Credentials{APIKey: "key/secret"},
	})
	root, err := d.Discover(context.Background(), mesh.destination("a"), -1)
	require.NoError(t, err)
	require.Equal(t, OutcomeCommunicating, root.Outcome().Kind)
	require.Equal(t, OutcomeCommunicating, edgeTo(t, root, "b").Outcome.Kind)

	// without them the same mesh is unauthorized
	bare := newTestDiscoverer(t, DiscovererOptions{})
	root, err = bare.Discover(context.Background(), mesh.destination("a"), -1)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnauthorized, root.Outcome().Kind)
}

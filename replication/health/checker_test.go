package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/executor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("golang.org/x/net/http2.(*serverConn).serve"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func newTestChecker(t *testing.T, maxInFlight int) *Checker {
	t.Helper()

	checker, err := NewChecker(CheckerOptions{
		Executor:    executor.NewExecutor(executor.ExecutorOptions{}),
		MaxInFlight: maxInFlight,
	})
	require.NoError(t, err)
	return checker
}

func TestCheckAllClassification(t *testing.T) {
	var probePath, probeMethod atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/databases/valid/"):
			probePath.Store(r.URL.Path)
			probeMethod.Store(r.Method)
			_, _ = w.Write([]byte(`{"serverId":"srv-1"}`))
		case strings.HasPrefix(r.URL.Path, "/fs/media/"):
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(r.URL.Path, "/databases/inactive/"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"Error":"Replication Bundle not activated. Activate the bundle in the license."}`))
		case strings.HasPrefix(r.URL.Path, "/databases/badrequest/"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"Error":"Invalid store name"}`))
		case strings.HasPrefix(r.URL.Path, "/databases/oauth/"):
			w.WriteHeader(http.StatusPreconditionFailed)
		case strings.HasPrefix(r.URL.Path, "/databases/winauth/"):
			w.WriteHeader(http.StatusUnauthorized)
		case strings.HasPrefix(r.URL.Path, "/databases/forbidden/"):
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("down for maintenance"))
		}
	}))
	defer server.Close()

	downServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := downServer.URL
	downServer.Close()

	dest := func(store string, kind replication.StoreKind) replication.PeerDestination {
		return replication.PeerDestination{URL: server.URL, Store: store, Kind: kind}
	}
	destinations := []replication.PeerDestination{
		dest("valid", replication.StoreKindDocument),
		dest("media", replication.StoreKindFile),
		dest("inactive", replication.StoreKindDocument),
		dest("badrequest", replication.StoreKindDocument),
		dest("oauth", replication.StoreKindDocument),
		dest("winauth", replication.StoreKindDocument),
		dest("forbidden", replication.StoreKindDocument),
		dest("flaky", replication.StoreKindDocument),
		{URL: downURL, Store: "gone", Kind: replication.StoreKindDocument},
	}

	checker := newTestChecker(t, 0)
	statuses, err := checker.CheckAll(context.Background(), destinations)
	require.NoError(t, err)
	require.Len(t, statuses, len(destinations))

	checkOne := func(i int, status string, code int) {
		require.Equalf(t, status, statuses[i].Status, "status at index %d", i)
		require.Equalf(t, code, statuses[i].Code, "code at index %d", i)
		require.Equal(t, destinations[i].URL, statuses[i].URL)
		require.Equal(t, destinations[i].Store, statuses[i].Store)
	}

	checkOne(0, StatusValid, 200)
	checkOne(1, StatusValid, 200)
	checkOne(2, StatusBundleNotActivated, 400)
	checkOne(3, "Invalid store name", 400)
	checkOne(4, StatusAPIKeyAuthFailed, 412)
	checkOne(5, StatusBasicAuthFailed, 401)
	checkOne(6, StatusBasicAuthFailed, 403)
	checkOne(7, "Service Unavailable", 503)

	require.Equal(t, -int(executor.FailureConnection), statuses[8].Code)
	require.Contains(t, statuses[8].Status, "connection failure")

	require.Equal(t, "/databases/valid/replication/info", probePath.Load())
	require.Equal(t, http.MethodPost, probeMethod.Load())
}

func TestCheckAllIndexStable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the first input is the slowest, so completion order inverts
		// input order unless results are written positionally
		if strings.HasPrefix(r.URL.Path, "/databases/store-0/") {
			time.Sleep(150 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var destinations []replication.PeerDestination
	for i := 0; i < 8; i++ {
		destinations = append(destinations, replication.PeerDestination{
			URL:   server.URL,
			Store: "store-" + string(rune('0'+i)),
			Kind:  replication.StoreKindDocument,
		})
	}

	checker := newTestChecker(t, len(destinations))
	statuses, err := checker.CheckAll(context.Background(), destinations)
	require.NoError(t, err)
	require.Len(t, statuses, len(destinations))
	for i, status := range statuses {
		require.Equal(t, destinations[i].Store, status.Store)
		require.Equal(t, StatusValid, status.Status)
	}
}

func TestCheckAllProbesConcurrently(t *testing.T) {
	const numProbes = 4

	arrived := make(chan struct{}, numProbes)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
	}))
	defer server.Close()

	var destinations []replication.PeerDestination
	for i := 0; i < numProbes; i++ {
		destinations = append(destinations, replication.PeerDestination{
			URL:   server.URL,
			Store: "store-" + string(rune('0'+i)),
			Kind:  replication.StoreKindDocument,
		})
	}

	checker := newTestChecker(t, numProbes)

	type result struct {
		statuses []DestinationStatus
		err      error
	}
	done := make(chan result, 1)
	go func() {
		statuses, err := checker.CheckAll(context.Background(), destinations)
		done <- result{statuses, err}
	}()

	// all probes must be in flight at once before any is released
	for i := 0; i < numProbes; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d probes were in flight", i)
		}
	}
	close(release)

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.statuses, numProbes)
}

func TestCheckAllForwardsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != "key/secret" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	destinations := []replication.PeerDestination{
		{
			URL:         server.URL,
			Store:       "orders",
			Kind:        replication.StoreKindDocument,
			Credentials: replication.Credentials{APIKey: "key/secret"},
		},
		{URL: server.URL, Store: "orders", Kind: replication.StoreKindDocument},
	}

	checker := newTestChecker(t, 0)
	statuses, err := checker.CheckAll(context.Background(), destinations)
	require.NoError(t, err)
	require.Equal(t, StatusValid, statuses[0].Status)
	require.Equal(t, StatusBasicAuthFailed, statuses[1].Status)
	require.Equal(t, 401, statuses[1].Code)
}

func TestCheckAllEmpty(t *testing.T) {
	checker := newTestChecker(t, 0)

	_, err := checker.CheckAll(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoDestinations)
}

func TestCheckerRequiresExecutor(t *testing.T) {
	_, err := NewChecker(CheckerOptions{})
	require.Error(t, err)
}

func TestUnauthorized(t *testing.T) {
	require.True(t, Unauthorized(401))
	require.True(t, Unauthorized(403))
	require.True(t, Unauthorized(412))
	require.False(t, Unauthorized(200))
	require.False(t, Unauthorized(400))
	require.False(t, Unauthorized(-int(executor.FailureConnection)))
}

// Package admin implements the node's HTTP surface: the replication
// endpoints peers probe and crawl, and the operator endpoints that expose
// health checks, topology, tombstone retention and the instance registry.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/driftdb/drift/clustering"
	"github.com/driftdb/drift/pkg/metrics"
	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/health"
	"github.com/driftdb/drift/replication/topology"
	"github.com/driftdb/drift/tombstones"
	"github.com/driftdb/drift/utils/authhdr"
	"github.com/driftdb/drift/utils/peernames"
)

type ServerOptions struct {
	Logger *zap.Logger

	ServerID  string
	PublicURL string

	// Stores are the node's configured stores, keyed into the routing
	// table by name.
	Stores []replication.StoreDefinition

	// InboundCredentials, when set, are required of peers calling the
	// replication endpoints. Operator endpoints are not affected.
	InboundCredentials replication.Credentials

	Checker    *health.Checker
	Discoverer *topology.Discoverer
	Watcher    *topology.Watcher
	Recorder   *tombstones.Recorder
	Purger     *tombstones.Purger

	// Cluster is the optional instance registry.
	Cluster *clustering.Manager
}

type Server struct {
	logger *zap.Logger

	serverID  string
	publicURL string

	stores       map[string]replication.StoreDefinition
	inboundCreds replication.Credentials

	checker    *health.Checker
	discoverer *topology.Discoverer
	watcher    *topology.Watcher
	recorder   *tombstones.Recorder
	purger     *tombstones.Purger
	cluster    *clustering.Manager
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.ServerID == "" {
		return nil, errors.New("must specify a server id for the admin server")
	}
	if opts.PublicURL == "" {
		return nil, errors.New("must specify a public url for the admin server")
	}
	if opts.Checker == nil {
		return nil, errors.New("must specify a health checker for the admin server")
	}
	if opts.Discoverer == nil {
		return nil, errors.New("must specify a discoverer for the admin server")
	}
	if opts.Recorder == nil {
		return nil, errors.New("must specify a tombstone recorder for the admin server")
	}
	if opts.Purger == nil {
		return nil, errors.New("must specify a tombstone purger for the admin server")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stores := make(map[string]replication.StoreDefinition, len(opts.Stores))
	for _, sd := range opts.Stores {
		stores[sd.Name] = sd
	}

	return &Server{
		logger:       logger,
		serverID:     opts.ServerID,
		publicURL:    opts.PublicURL,
		stores:       stores,
		inboundCreds: opts.InboundCredentials,
		checker:      opts.Checker,
		discoverer:   opts.Discoverer,
		watcher:      opts.Watcher,
		recorder:     opts.Recorder,
		purger:       opts.Purger,
		cluster:      opts.Cluster,
	}, nil
}

// Router builds the full route table. The kind segment doubles as the
// store-kind check, so a document store probed through /fs/ is a 404.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observeRequests)

	r.HandleFunc("/{kind:databases|fs|cs}/{store}/replication/info",
		s.requirePeerAuth(s.handleReplicationInfo)).Methods(http.MethodPost)
	r.HandleFunc("/{kind:databases|fs|cs}/{store}/replication/destinations",
		s.requirePeerAuth(s.handleReplicationDestinations)).Methods(http.MethodGet)

	r.HandleFunc("/admin/replication/topology", s.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/admin/replication/health", s.handleHealth).Methods(http.MethodPost)
	r.HandleFunc("/admin/replication/purge-tombstones", s.handlePurgeTombstones).Methods(http.MethodPost)
	r.HandleFunc("/admin/replication/tombstones", s.handleTombstones).Methods(http.MethodGet)
	r.HandleFunc("/admin/cluster/instances", s.handleClusterInstances).Methods(http.MethodGet)

	return r
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			metrics.GetNodeMetrics().AdminRequestsServed.Add(r.Context(), 1)
		}

		s.logger.Debug("serving request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("peer", peernames.FromUserAgent(r.UserAgent())))

		next.ServeHTTP(w, r)
	})
}

// requirePeerAuth guards the replication endpoints. API keys are checked
// first, then basic credentials; the failure codes mirror what the probe
// classifier expects from any replicating peer.
func (s *Server) requirePeerAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.inboundCreds.IsZero() {
		return next
	}

	expectUser := s.inboundCreds.Username
	if s.inboundCreds.Domain != "" {
		expectUser = s.inboundCreds.Domain + "\\" + expectUser
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if s.inboundCreds.APIKey != "" {
			if subtleEquals(r.Header.Get("Api-Key"), s.inboundCreds.APIKey) {
				next(w, r)
				return
			}
		}

		if s.inboundCreds.Username != "" {
			username, password, ok := authhdr.DecodeBasicAuth(r.Header.Get("Authorization"))
			if ok && subtleEquals(username, expectUser) && subtleEquals(password, s.inboundCreds.Password) {
				next(w, r)
				return
			}

			s.logRejected(r)
			s.writeError(w, http.StatusUnauthorized, health.StatusBasicAuthFailed)
			return
		}

		s.logRejected(r)
		s.writeError(w, http.StatusPreconditionFailed, health.StatusAPIKeyAuthFailed)
	}
}

func (s *Server) logRejected(r *http.Request) {
	s.logger.Debug("rejected replication request credentials",
		zap.String("path", r.URL.Path),
		zap.String("peer", peernames.FromUserAgent(r.UserAgent())))
}

func subtleEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("failed to write response payload", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, errorResponse{Error: message})
}

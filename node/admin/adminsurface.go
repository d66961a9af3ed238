package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/driftdb/drift/etag"
	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/replication/health"
	"github.com/driftdb/drift/replication/topology"
	"github.com/driftdb/drift/tombstones"
)

const maxRequestBody = 1 * 1024 * 1024 // 1MiB

const defaultTombstoneListLimit = 100

// selfDestination points a crawl or probe back at this node, carrying the
// node's own inbound credentials so the self-fetch authenticates.
func (s *Server) selfDestination(sd replication.StoreDefinition) replication.PeerDestination {
	return replication.PeerDestination{
		URL:         s.publicURL,
		Store:       sd.Name,
		Kind:        sd.Kind,
		Credentials: s.inboundCreds,
	}
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	cached := false
	if v := query.Get("cached"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid cached parameter %q", v))
			return
		}
		cached = parsed
	}

	storeName := query.Get("store")

	if cached {
		s.serveCachedTopology(w, r, storeName)
		return
	}

	if storeName == "" {
		s.writeError(w, http.StatusBadRequest, "must specify a store to crawl")
		return
	}

	sd, ok := s.stores[storeName]
	if !ok {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown store %q", storeName))
		return
	}

	depth := -1
	if v := query.Get("depth"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid depth parameter %q", v))
			return
		}
		depth = parsed
	}

	root, err := s.discoverer.Discover(r.Context(), s.selfDestination(sd), depth)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, topology.Flatten(root))
}

func (s *Server) serveCachedTopology(w http.ResponseWriter, r *http.Request, storeName string) {
	if s.watcher == nil {
		s.writeError(w, http.StatusNotFound, "no cached topology snapshot")
		return
	}

	snapshot, err := s.watcher.CachedSnapshot(r.Context())
	if errors.Is(err, topology.ErrNoSnapshot) {
		s.writeError(w, http.StatusNotFound, "no cached topology snapshot")
		return
	} else if err != nil {
		s.logger.Error("failed to load cached topology snapshot", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load cached topology snapshot")
		return
	}

	if storeName == "" {
		s.writeJSON(w, http.StatusOK, snapshot)
		return
	}

	flattened, ok := snapshot.Stores[storeName]
	if !ok {
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("no cached topology for store %q", storeName))
		return
	}

	s.writeJSON(w, http.StatusOK, flattened)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var destinations []replication.PeerDestination
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &destinations); err != nil {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid destination list: %s", err))
			return
		}
	} else {
		storeName := r.URL.Query().Get("store")
		if storeName == "" {
			s.writeError(w, http.StatusBadRequest,
				"must specify a store or post a destination list")
			return
		}

		sd, ok := s.stores[storeName]
		if !ok {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("unknown store %q", storeName))
			return
		}
		destinations = sd.Destinations
	}

	statuses, err := s.checker.CheckAll(r.Context(), destinations)
	if errors.Is(err, health.ErrNoDestinations) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handlePurgeTombstones(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var req tombstones.PurgeRequest

	if v := query.Get("docEtag"); v != "" {
		parsed, err := etag.Parse(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid docEtag parameter: %s", err))
			return
		}
		req.Documents = &parsed
	}

	if v := query.Get("attachmentEtag"); v != "" {
		parsed, err := etag.Parse(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid attachmentEtag parameter: %s", err))
			return
		}
		req.Attachments = &parsed
	}

	result, err := s.purger.Purge(r.Context(), req)
	if errors.Is(err, tombstones.ErrNoCutoff) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

type tombstoneListing struct {
	Stream  string             `json:"stream"`
	Entries []tombstones.Entry `json:"entries"`
}

func (s *Server) handleTombstones(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	stream, err := tombstones.ParseStream(query.Get("stream"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultTombstoneListLimit
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid limit parameter %q", v))
			return
		}
		limit = parsed
	}

	entries, err := s.recorder.List(r.Context(), stream, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []tombstones.Entry{}
	}

	s.writeJSON(w, http.StatusOK, tombstoneListing{
		Stream:  string(stream),
		Entries: entries,
	})
}

// clusterInstance is the admin response form of a registry member; the
// registry's own encoding elides the member id, the admin response must not.
type clusterInstance struct {
	MemberID  string   `json:"memberId"`
	PublicURL string   `json:"publicUrl,omitempty"`
	ServerID  string   `json:"serverId,omitempty"`
	Stores    []string `json:"stores,omitempty"`
}

type clusterListing struct {
	Revision  int64             `json:"revision"`
	Instances []clusterInstance `json:"instances"`
}

func (s *Server) handleClusterInstances(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		s.writeError(w, http.StatusNotFound, "instance registry not configured")
		return
	}

	snapshot, err := s.cluster.Get(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	listing := clusterListing{
		Revision:  snapshot.Revision,
		Instances: make([]clusterInstance, 0, len(snapshot.Members)),
	}
	for _, member := range snapshot.Members {
		listing.Instances = append(listing.Instances, clusterInstance{
			MemberID:  member.MemberID,
			PublicURL: member.PublicURL,
			ServerID:  member.ServerID,
			Stores:    member.Stores,
		})
	}

	s.writeJSON(w, http.StatusOK, listing)
}

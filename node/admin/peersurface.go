package admin

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/driftdb/drift/replication"
)

const bundleNotActivatedMessage = "Replication bundle not activated on this store."

// storeFromRequest resolves the path variables to a configured store. The
// kind segment must match the store's configured kind.
func (s *Server) storeFromRequest(r *http.Request) (replication.StoreDefinition, bool) {
	vars := mux.Vars(r)

	kind, ok := replication.KindFromSubPath(vars["kind"])
	if !ok {
		return replication.StoreDefinition{}, false
	}

	sd, ok := s.stores[vars["store"]]
	if !ok || sd.Kind != kind {
		return replication.StoreDefinition{}, false
	}

	return sd, true
}

func (s *Server) handleReplicationInfo(w http.ResponseWriter, r *http.Request) {
	sd, ok := s.storeFromRequest(r)
	if !ok {
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("unknown store %q", mux.Vars(r)["store"]))
		return
	}

	if !sd.ReplicationEnabled {
		s.writeError(w, http.StatusBadRequest, bundleNotActivatedMessage)
		return
	}

	s.writeJSON(w, http.StatusOK, replication.InfoDocument{
		ServerID: s.serverID,
		Store:    sd.Name,
		Kind:     sd.Kind,
	})
}

func (s *Server) handleReplicationDestinations(w http.ResponseWriter, r *http.Request) {
	sd, ok := s.storeFromRequest(r)
	if !ok {
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("unknown store %q", mux.Vars(r)["store"]))
		return
	}

	if !sd.ReplicationEnabled {
		s.writeError(w, http.StatusBadRequest, bundleNotActivatedMessage)
		return
	}

	doc := replication.DestinationsDocument{
		ServerID:     s.serverID,
		Destinations: sd.Destinations,
	}

	// Credentials never leave the node, even for authenticated peers.
	s.writeJSON(w, http.StatusOK, doc.Redacted())
}

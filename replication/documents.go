package replication

import "fmt"

// StoreDefinition is the node-local configuration of one hosted store.
type StoreDefinition struct {
	Name               string            `json:"name"`
	Kind               StoreKind         `json:"kind"`
	ReplicationEnabled bool              `json:"replicationEnabled"`
	Destinations       []PeerDestination `json:"destinations,omitempty"`
}

func (s StoreDefinition) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidStore)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: store %q has unknown kind %q", ErrInvalidStore, s.Name, s.Kind)
	}
	for _, dest := range s.Destinations {
		if err := dest.Validate(); err != nil {
			return fmt.Errorf("store %q: %w", s.Name, err)
		}
	}
	return nil
}

// InfoDocument is the body served on the replication info endpoint when the
// replication bundle is active on a store.
type InfoDocument struct {
	ServerID string    `json:"serverId"`
	Store    string    `json:"store"`
	Kind     StoreKind `json:"kind"`
}

// DestinationsDocument is the body served on the destinations endpoint and
// consumed by the topology crawler.
type DestinationsDocument struct {
	ServerID     string            `json:"serverId"`
	Destinations []PeerDestination `json:"destinations"`
}

// Redacted returns a copy of the document with the credentials stripped
// from every destination.
func (d DestinationsDocument) Redacted() DestinationsDocument {
	out := DestinationsDocument{
		ServerID:     d.ServerID,
		Destinations: make([]PeerDestination, len(d.Destinations)),
	}
	for i, dest := range d.Destinations {
		out.Destinations[i] = dest.Redacted()
	}
	return out
}

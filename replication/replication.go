// Package replication defines the shared data model of the replication
// protocol: store kinds, peer destinations and the documents exchanged on
// the /replication/* endpoints. Pure data, no I/O.
package replication

import (
	"errors"
	"fmt"
	"strings"
)

// Endpoint paths of the replication protocol, relative to a normalized
// store URL.
const (
	InfoPath         = "/replication/info"
	DestinationsPath = "/replication/destinations"
)

var (
	ErrInvalidDestination = errors.New("invalid replication destination")
	ErrInvalidStore       = errors.New("invalid store definition")
)

// StoreKind identifies which kind of store an endpoint addresses.
type StoreKind string

const (
	StoreKindDocument StoreKind = "document"
	StoreKindFile     StoreKind = "file"
	StoreKindCounter  StoreKind = "counter"
)

// StoreKinds lists the valid kinds in a stable order.
var StoreKinds = []StoreKind{StoreKindDocument, StoreKindFile, StoreKindCounter}

func (k StoreKind) Valid() bool {
	switch k {
	case StoreKindDocument, StoreKindFile, StoreKindCounter:
		return true
	}
	return false
}

// SubPath returns the URL path segment that addresses stores of this kind.
func (k StoreKind) SubPath() string {
	switch k {
	case StoreKindDocument:
		return "databases"
	case StoreKindFile:
		return "fs"
	case StoreKindCounter:
		return "cs"
	}
	return ""
}

// KindFromSubPath maps a URL path segment back to its store kind.
func KindFromSubPath(segment string) (StoreKind, bool) {
	switch segment {
	case "databases":
		return StoreKindDocument, true
	case "fs":
		return StoreKindFile, true
	case "cs":
		return StoreKindCounter, true
	}
	return "", false
}

// Credentials carries the authentication material for one destination:
// an API key, or username/password with an optional windows-style domain.
type Credentials struct {
	APIKey   string `json:"apiKey,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// PeerDestination is the configuration of one replication target. It is
// treated as immutable once read for a given operation.
type PeerDestination struct {
	URL         string      `json:"url"`
	Store       string      `json:"store"`
	Kind        StoreKind   `json:"kind"`
	Credentials Credentials `json:"credentials"`
}

func (d PeerDestination) Validate() error {
	if d.URL == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidDestination)
	}
	if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
		return fmt.Errorf("%w: url %q is not absolute", ErrInvalidDestination, d.URL)
	}
	if d.Store == "" {
		return fmt.Errorf("%w: missing store name", ErrInvalidDestination)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalidDestination, d.Kind)
	}
	return nil
}

// NormalizedURL returns the fully qualified store endpoint for the
// destination. The per-kind sub-path and store name are appended unless the
// configured URL already addresses a concrete store; trailing slashes are
// trimmed either way.
func (d PeerDestination) NormalizedURL() string {
	base := strings.TrimRight(d.URL, "/")
	marker := "/" + d.Kind.SubPath() + "/"
	if strings.Contains(base+"/", marker) {
		return base
	}
	return base + marker + d.Store
}

// Redacted returns a copy of the destination with its credentials removed,
// suitable for serving to other nodes.
func (d PeerDestination) Redacted() PeerDestination {
	d.Credentials = Credentials{}
	return d
}

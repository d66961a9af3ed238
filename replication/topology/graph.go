// Package topology discovers the replication mesh reachable from a store,
// one fetch per distinct endpoint, and projects the resulting graph into a
// serializable form.
package topology

import (
	"sync"

	"github.com/driftdb/drift/replication"
)

// OutcomeKind distinguishes the three ways communicating with a node can go.
type OutcomeKind string

const (
	OutcomeCommunicating OutcomeKind = "communicating"
	OutcomeError         OutcomeKind = "error"
	OutcomeUnauthorized  OutcomeKind = "unauthorized"
)

// EdgeOutcome is the observed result of fetching a node's peer list. A node
// is fetched exactly once per discovery run, so every edge pointing at it
// carries a copy of the same outcome. Status and code follow the health
// taxonomy: negative codes are transport failure kinds.
type EdgeOutcome struct {
	Kind   OutcomeKind `json:"kind"`
	Status string      `json:"status"`
	Code   int         `json:"code"`
}

// Identity names a node uniquely within one discovery run.
type Identity struct {
	Kind replication.StoreKind `json:"kind"`
	URL  string                `json:"url"`
}

func (id Identity) String() string {
	return string(id.Kind) + "|" + id.URL
}

// Node is one discovered store endpoint. A node whose fetch failed, or that
// sat at the depth limit, stays a leaf with no outbound edges.
type Node struct {
	ID       Identity
	Store    string
	ServerID string
	Edges    []Edge

	// done is closed by the claiming branch once outcome is recorded;
	// other branches reaching this node wait on it instead of fetching
	done    chan struct{}
	outcome EdgeOutcome
}

// Outcome returns the node's own fetch outcome. It is settled once done is
// closed, so callers holding a finished graph may read it freely.
func (n *Node) Outcome() EdgeOutcome {
	return n.outcome
}

// Edge is a directed link from the node that listed a destination to the
// node representing it.
type Edge struct {
	Dest    *Node
	Outcome EdgeOutcome
}

// registry is the shared visited-set of one discovery run. Registration
// must happen before any recursion into a node's peers so that a cycle back
// to an in-progress node reuses it instead of recursing forever.
type registry struct {
	mu    sync.Mutex
	nodes map[Identity]*Node
}

func newRegistry() *registry {
	return &registry{
		nodes: make(map[Identity]*Node),
	}
}

// claim returns the node registered under id, creating it when first seen.
// claimed is true only for the caller that created the node; that caller
// alone fetches the node and closes its done channel, exactly once, whether
// or not the fetch succeeded.
func (r *registry) claim(id Identity, store string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.nodes[id]; ok {
		return node, false
	}

	node := &Node{
		ID:    id,
		Store: store,
		done:  make(chan struct{}),
	}
	r.nodes[id] = node
	return node, true
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

package topology

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/driftdb/drift/replication"
)

// Flattened is the serializable projection of a discovered graph: plain
// node and edge lists, suitable for any presentation layer. It is derived
// data, never mutated independently of the graph it came from.
type Flattened struct {
	Nodes []FlatNode `json:"nodes"`
	Edges []FlatEdge `json:"edges"`
}

type FlatNode struct {
	ID       string                `json:"id"`
	URL      string                `json:"url"`
	Store    string                `json:"store"`
	Kind     replication.StoreKind `json:"kind"`
	ServerID string                `json:"serverId,omitempty"`
}

type FlatEdge struct {
	Source  string      `json:"source"`
	Dest    string      `json:"dest"`
	Outcome EdgeOutcome `json:"outcome"`
}

// Flatten walks the graph reachable from root and emits every node and
// every edge exactly once, including edges that point back into parts of
// the graph already emitted. Pure projection, no I/O.
func Flatten(root *Node) *Flattened {
	flat := &Flattened{}
	if root == nil {
		return flat
	}

	visited := mapset.NewSet[string]()
	visited.Add(root.ID.String())
	queue := []*Node{root}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		flat.Nodes = append(flat.Nodes, FlatNode{
			ID:       node.ID.String(),
			URL:      node.ID.URL,
			Store:    node.Store,
			Kind:     node.ID.Kind,
			ServerID: node.ServerID,
		})

		for _, edge := range node.Edges {
			flat.Edges = append(flat.Edges, FlatEdge{
				Source:  node.ID.String(),
				Dest:    edge.Dest.ID.String(),
				Outcome: edge.Outcome,
			})
			if visited.Add(edge.Dest.ID.String()) {
				queue = append(queue, edge.Dest)
			}
		}
	}

	return flat
}

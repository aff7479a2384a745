package graph

import (
	"time"

	"github.com/aprovafacil/cachemon/utils/array"
)

// Options bounds the exported subgraph.
type Options struct {
	// Starting key. Empty exports every tracked key.
	RootKey string `json:"root_key,omitempty"`

	// Maximum hops from the root. Zero or negative means unlimited.
	MaxDepth int `json:"max_depth,omitempty"`

	// Maximum number of nodes. Zero or negative means unlimited.
	MaxNodes int `json:"max_nodes,omitempty"`

	// Keep nodes whose entry has expired.
	IncludeExpired bool `json:"include_expired,omitempty"`

	// Attach entry details to nodes.
	IncludeMetadata bool `json:"include_metadata,omitempty"`
}

type Node struct {
	ID       string         `json:"id"`
	Depth    int            `json:"depth"`
	Expired  bool           `json:"expired,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Edge is undirected; Source sorts before Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type Graph struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Truncated bool   `json:"truncated"`
}

// BuildGraph walks the relationships breadth first and stops as soon as either the
// depth or the node ceiling is reached. Edges are only emitted between exported nodes.
func (t *Tracker) BuildGraph(opts Options) Graph {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var roots []string
	if opts.RootKey != "" {
		roots = []string{opts.RootKey}
	} else {
		roots = array.SortedKeys(t.adjacency)
	}

	g := Graph{Nodes: []Node{}, Edges: []Edge{}}
	included := make(map[string]struct{})
	visited := make(map[string]struct{})

	full := func() bool {
		return opts.MaxNodes > 0 && len(g.Nodes) >= opts.MaxNodes
	}

	for _, root := range roots {
		if _, seen := visited[root]; seen {
			continue
		}
		if full() {
			g.Truncated = true
			break
		}

		visited[root] = struct{}{}
		frontier := []string{root}
		for depth := 0; len(frontier) > 0; depth++ {
			var next []string
			for _, key := range frontier {
				if full() {
					g.Truncated = true
					break
				}
				node, keep := t.node(key, depth, opts)
				if !keep {
					continue
				}
				g.Nodes = append(g.Nodes, node)
				included[key] = struct{}{}

				if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
					continue
				}
				for _, neighbor := range sortedNeighbors(t.adjacency[key]) {
					if _, seen := visited[neighbor]; seen {
						continue
					}
					visited[neighbor] = struct{}{}
					next = append(next, neighbor)
				}
			}
			if full() && len(next) > 0 {
				g.Truncated = true
				break
			}
			frontier = next
		}
	}

	for _, node := range g.Nodes {
		for _, neighbor := range sortedNeighbors(t.adjacency[node.ID]) {
			if node.ID >= neighbor {
				continue
			}
			if _, ok := included[neighbor]; ok {
				g.Edges = append(g.Edges, Edge{Source: node.ID, Target: neighbor})
			}
		}
	}

	return g
}

func (t *Tracker) node(key string, depth int, opts Options) (Node, bool) {
	node := Node{ID: key, Depth: depth}
	if t.inspector == nil {
		return node, true
	}

	info, found := t.inspector.Inspect(key)
	if !found {
		return node, true
	}
	node.Expired = info.Expired
	if info.Expired && !opts.IncludeExpired {
		return node, false
	}
	if opts.IncludeMetadata {
		node.Metadata = map[string]any{
			"backend":    info.Backend,
			"size":       info.Size,
			"created_at": info.CreatedAt.Format(time.RFC3339),
		}
		if !info.ExpiresAt.IsZero() {
			node.Metadata["expires_at"] = info.ExpiresAt.Format(time.RFC3339)
		}
	}
	return node, true
}

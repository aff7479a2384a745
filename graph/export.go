package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/aprovafacil/cachemon/utils/array"
)

// Format names an export representation of a Graph.
type Format string

const (
	// FormatMermaid is a mermaid flowchart.
	FormatMermaid Format = "mermaid"

	// FormatNodeLink is node-link JSON as understood by d3 and networkx.
	FormatNodeLink Format = "nodelink"

	// FormatDOT is a graphviz digraph.
	FormatDOT Format = "dot"
)

// Export renders g in the requested format.
func Export(g Graph, format Format) ([]byte, error) {
	switch format {
	case FormatMermaid:
		return []byte(ToMermaid(g)), nil
	case FormatNodeLink:
		return ToNodeLinkJSON(g)
	case FormatDOT:
		return []byte(ToDOT(g)), nil
	default:
		return nil, fmt.Errorf("unsupported graph format: %q", format)
	}
}

// ToMermaid renders g as a left-to-right mermaid flowchart. Node identifiers are
// positional so keys containing mermaid syntax stay inside quoted labels.
func ToMermaid(g Graph) string {
	ids := make(map[string]string, len(g.Nodes))
	var b strings.Builder
	b.WriteString("graph LR\n")
	for i, node := range g.Nodes {
		id := fmt.Sprintf("n%d", i)
		ids[node.ID] = id
		label := strings.ReplaceAll(node.ID, `"`, "#quot;")
		if node.Expired {
			label += " (expired)"
		}
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", id, label)
	}
	for _, edge := range g.Edges {
		fmt.Fprintf(&b, "    %s --- %s\n", ids[edge.Source], ids[edge.Target])
	}
	return b.String()
}

type nodeLinkNode struct {
	ID       string         `json:"id"`
	Depth    int            `json:"depth"`
	Expired  bool           `json:"expired"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type nodeLinkDocument struct {
	Directed   bool           `json:"directed"`
	Multigraph bool           `json:"multigraph"`
	Graph      map[string]any `json:"graph"`
	Nodes      []nodeLinkNode `json:"nodes"`
	Links      []Edge         `json:"links"`
}

// ToNodeLinkJSON renders g as undirected node-link JSON.
func ToNodeLinkJSON(g Graph) ([]byte, error) {
	doc := nodeLinkDocument{
		Graph: map[string]any{"truncated": g.Truncated},
		Nodes: array.Map(g.Nodes, func(n Node) nodeLinkNode {
			return nodeLinkNode{ID: n.ID, Depth: n.Depth, Expired: n.Expired, Metadata: n.Metadata}
		}),
		Links: g.Edges,
	}
	if doc.Links == nil {
		doc.Links = []Edge{}
	}
	return json.Marshal(doc)
}

// ToDOT renders g as a graphviz digraph. Relationships are symmetric, so every edge is
// drawn once with arrows on both ends.
func ToDOT(g Graph) string {
	var b strings.Builder
	b.WriteString("digraph cache_relationships {\n")
	b.WriteString("    rankdir=LR;\n")
	for _, node := range g.Nodes {
		if node.Expired {
			fmt.Fprintf(&b, "    %s [style=dashed];\n", strconv.Quote(node.ID))
			continue
		}
		fmt.Fprintf(&b, "    %s;\n", strconv.Quote(node.ID))
	}
	for _, edge := range g.Edges {
		fmt.Fprintf(&b, "    %s -> %s [dir=both];\n", strconv.Quote(edge.Source), strconv.Quote(edge.Target))
	}
	b.WriteString("}\n")
	return b.String()
}

package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector map[string]EntryInfo

func (f fakeInspector) Inspect(key string) (EntryInfo, bool) {
	info, ok := f[key]
	return info, ok
}

func TestTracker_RegisterRelationships(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterRelationships("A", []string{"B", "C"})

	assert.Equal(t, []string{"B", "C"}, tracker.RelatedKeys("A"))
	assert.Equal(t, []string{"A"}, tracker.RelatedKeys("B"))
	assert.Equal(t, []string{"A"}, tracker.RelatedKeys("C"))
	assert.Nil(t, tracker.RelatedKeys("unknown"))

	t.Run("ignores self references and empty keys", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RegisterRelationships("A", []string{"A", ""})
		tracker.RegisterRelationships("", []string{"B"})

		assert.Empty(t, tracker.Keys())
	})
}

func TestTracker_RelatedKeysRecursive(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterRelationships("A", []string{"B", "C"})
	tracker.RegisterRelationships("B", []string{"D"})
	tracker.RegisterRelationships("D", []string{"E"})

	tests := []struct {
		name     string
		key      string
		maxDepth int
		want     []string
	}{
		{name: "depth 1 returns direct neighbors", key: "A", maxDepth: 1, want: []string{"B", "C"}},
		{name: "depth 2", key: "A", maxDepth: 2, want: []string{"B", "C", "D"}},
		{name: "unlimited depth", key: "A", maxDepth: 0, want: []string{"B", "C", "D", "E"}},
		{name: "from a leaf", key: "E", maxDepth: -1, want: []string{"A", "B", "C", "D"}},
		{name: "unknown key", key: "Z", maxDepth: 3, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tracker.RelatedKeysRecursive(tt.key, tt.maxDepth))
		})
	}

	t.Run("terminates on cycles", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RegisterRelationships("A", []string{"B"})
		tracker.RegisterRelationships("B", []string{"A"})

		assert.Equal(t, []string{"B"}, tracker.RelatedKeysRecursive("A", 0))
	})

	t.Run("terminates on longer cycles", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RegisterRelationships("A", []string{"B"})
		tracker.RegisterRelationships("B", []string{"C"})
		tracker.RegisterRelationships("C", []string{"A"})

		assert.Equal(t, []string{"B", "C"}, tracker.RelatedKeysRecursive("A", 0))
	})
}

func TestTracker_Forget(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterRelationships("A", []string{"B", "C"})

	tracker.Forget("A")

	assert.Nil(t, tracker.RelatedKeys("A"))
	assert.Nil(t, tracker.RelatedKeys("B"))
	assert.Empty(t, tracker.Keys())
}

func TestTracker_BuildGraph(t *testing.T) {
	newChain := func(length int) *Tracker {
		tracker := NewTracker()
		for i := 0; i < length-1; i++ {
			tracker.RegisterRelationships(fmt.Sprintf("k%d", i), []string{fmt.Sprintf("k%d", i+1)})
		}
		return tracker
	}

	t.Run("whole graph without a root", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RegisterRelationships("A", []string{"B", "C"})
		tracker.RegisterRelationships("X", []string{"Y"})

		g := tracker.BuildGraph(Options{})

		assert.Len(t, g.Nodes, 5)
		assert.ElementsMatch(t, []Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "X", Target: "Y"},
		}, g.Edges)
		assert.False(t, g.Truncated)
	})

	t.Run("respects max depth", func(t *testing.T) {
		g := newChain(5).BuildGraph(Options{RootKey: "k0", MaxDepth: 2})

		ids := make([]string, 0, len(g.Nodes))
		for _, n := range g.Nodes {
			ids = append(ids, n.ID)
		}
		assert.Equal(t, []string{"k0", "k1", "k2"}, ids)
		assert.Equal(t, []Edge{{Source: "k0", Target: "k1"}, {Source: "k1", Target: "k2"}}, g.Edges)
	})

	t.Run("respects max nodes", func(t *testing.T) {
		g := newChain(10).BuildGraph(Options{RootKey: "k0", MaxNodes: 4})

		assert.Len(t, g.Nodes, 4)
		assert.True(t, g.Truncated)
		assert.Len(t, g.Edges, 3)
	})

	t.Run("cycle is exported once", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RegisterRelationships("A", []string{"B"})
		tracker.RegisterRelationships("B", []string{"A"})

		g := tracker.BuildGraph(Options{RootKey: "A"})
		assert.Len(t, g.Nodes, 2)
		assert.Equal(t, []Edge{{Source: "A", Target: "B"}}, g.Edges)
	})

	t.Run("expired nodes and metadata", func(t *testing.T) {
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		tracker := NewTracker()
		tracker.RegisterRelationships("A", []string{"B"})
		tracker.SetInspector(fakeInspector{
			"A": {Backend: "memory", Size: 10, CreatedAt: created},
			"B": {Backend: "memory", Size: 5, CreatedAt: created, Expired: true},
		})

		g := tracker.BuildGraph(Options{RootKey: "A", IncludeMetadata: true})
		require.Len(t, g.Nodes, 1)
		assert.Equal(t, "memory", g.Nodes[0].Metadata["backend"])
		assert.Equal(t, int64(10), g.Nodes[0].Metadata["size"])
		assert.Empty(t, g.Edges)

		g = tracker.BuildGraph(Options{RootKey: "A", IncludeExpired: true})
		require.Len(t, g.Nodes, 2)
		assert.True(t, g.Nodes[1].Expired)
		assert.Nil(t, g.Nodes[0].Metadata)
	})
}

func TestExport(t *testing.T) {
	tracker := NewTracker()
	tracker.RegisterRelationships("user:1", []string{"user:1:profile"})
	g := tracker.BuildGraph(Options{RootKey: "user:1"})

	t.Run("mermaid", func(t *testing.T) {
		out, err := Export(g, FormatMermaid)
		require.NoError(t, err)
		assert.Equal(t, "graph LR\n"+
			"    n0[\"user:1\"]\n"+
			"    n1[\"user:1:profile\"]\n"+
			"    n0 --- n1\n", string(out))
	})

	t.Run("node-link json", func(t *testing.T) {
		out, err := Export(g, FormatNodeLink)
		require.NoError(t, err)

		var doc struct {
			Directed bool `json:"directed"`
			Nodes    []struct {
				ID string `json:"id"`
			} `json:"nodes"`
			Links []Edge `json:"links"`
		}
		require.NoError(t, json.Unmarshal(out, &doc))
		assert.False(t, doc.Directed)
		require.Len(t, doc.Nodes, 2)
		assert.Equal(t, "user:1", doc.Nodes[0].ID)
		assert.Equal(t, []Edge{{Source: "user:1", Target: "user:1:profile"}}, doc.Links)
	})

	t.Run("dot", func(t *testing.T) {
		out, err := Export(g, FormatDOT)
		require.NoError(t, err)
		assert.Contains(t, string(out), "digraph cache_relationships {")
		assert.Contains(t, string(out), `"user:1" -> "user:1:profile" [dir=both];`)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := Export(g, Format("svg"))
		assert.Error(t, err)
	})
}

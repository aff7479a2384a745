// Package graph tracks relationships between cache keys.
//
// Relationships are undirected: registering A related to B also records B related to A.
// Traversals guard against cycles with a visited set, so a graph containing A-B-A
// terminates. The tracker can export a bounded subgraph for inspection tools in
// several text formats (see export.go).
package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/aprovafacil/cachemon/utils/array"
)

// EntryInfo describes the cache entry stored under a key.
type EntryInfo struct {
	Backend   string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Expired   bool
}

// Inspector resolves entry details for graph nodes. The cache manager implements it.
type Inspector interface {
	Inspect(key string) (EntryInfo, bool)
}

// Tracker keeps the symmetric adjacency between cache keys.
type Tracker struct {
	mu        sync.RWMutex
	adjacency map[string]map[string]struct{}
	inspector Inspector
}

func NewTracker() *Tracker {
	return &Tracker{
		adjacency: make(map[string]map[string]struct{}),
	}
}

// SetInspector attaches the source of node metadata used by BuildGraph.
func (t *Tracker) SetInspector(inspector Inspector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inspector = inspector
}

// RegisterRelationships records key as related to every key in related, in both
// directions. Self references and empty keys are ignored.
func (t *Tracker) RegisterRelationships(key string, related []string) {
	if key == "" || len(related) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, other := range related {
		if other == "" || other == key {
			continue
		}
		t.link(key, other)
		t.link(other, key)
	}
}

func (t *Tracker) link(from, to string) {
	neighbors, exists := t.adjacency[from]
	if !exists {
		neighbors = make(map[string]struct{})
		t.adjacency[from] = neighbors
	}
	neighbors[to] = struct{}{}
}

// RelatedKeys returns the direct neighbors of key, sorted.
func (t *Tracker) RelatedKeys(key string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedNeighbors(t.adjacency[key])
}

// RelatedKeysRecursive returns every key reachable from key within maxDepth hops, sorted
// and excluding key itself. Depth 1 yields only the direct neighbors; maxDepth <= 0 means
// unlimited depth.
func (t *Tracker) RelatedKeysRecursive(key string, maxDepth int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	visited := map[string]struct{}{key: {}}
	frontier := []string{key}
	var related []string

	for depth := 0; len(frontier) > 0 && (maxDepth <= 0 || depth < maxDepth); depth++ {
		var next []string
		for _, current := range frontier {
			for _, neighbor := range sortedNeighbors(t.adjacency[current]) {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				related = append(related, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	sort.Strings(related)
	return related
}

// Forget removes key and every edge touching it.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for neighbor := range t.adjacency[key] {
		if others, exists := t.adjacency[neighbor]; exists {
			delete(others, key)
			if len(others) == 0 {
				delete(t.adjacency, neighbor)
			}
		}
	}
	delete(t.adjacency, key)
}

// Keys returns every key with at least one relationship, sorted.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return array.SortedKeys(t.adjacency)
}

// Reset drops every relationship.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adjacency = make(map[string]map[string]struct{})
}

func sortedNeighbors(neighbors map[string]struct{}) []string {
	if len(neighbors) == 0 {
		return nil
	}
	return array.SortedKeys(neighbors)
}

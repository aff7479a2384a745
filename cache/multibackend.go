package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/graph"
	"github.com/aprovafacil/cachemon/store"
)

type entryMeta struct {
	size      int64
	createdAt time.Time

	// Zero when the entry never expires.
	expiresAt time.Time
}

// MultiBackend routes the cache verbs to one store per backend kind. Keys stored with
// related keys are linked in a graph.Tracker so that invalidating one removes the others.
type MultiBackend struct {
	stores  map[BackendKind]store.Store
	tracker *graph.Tracker

	// Backend -> key -> entry metadata
	index map[BackendKind]map[string]entryMeta
	mu    sync.RWMutex

	// TTL applied when a Set does not give one. Zero keeps entries until evicted.
	defaultTTL time.Duration

	// Hops followed from an invalidated key. Zero or negative follows every relationship.
	invalidationDepth int

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock  clock.Clock
	logger *zap.SugaredLogger
}

type MultiBackendOption func(*MultiBackend)

func WithTracker(tracker *graph.Tracker) MultiBackendOption {
	return func(m *MultiBackend) {
		m.tracker = tracker
	}
}

func WithDefaultTTL(ttl time.Duration) MultiBackendOption {
	return func(m *MultiBackend) {
		m.defaultTTL = ttl
	}
}

func WithInvalidationDepth(depth int) MultiBackendOption {
	return func(m *MultiBackend) {
		m.invalidationDepth = depth
	}
}

func WithClock(clk clock.Clock) MultiBackendOption {
	return func(m *MultiBackend) {
		m.clock = clk
	}
}

// NewMultiBackend serves the backends present in stores. Verbs addressed to any other
// backend fail with ErrUnknownBackend.
func NewMultiBackend(stores map[BackendKind]store.Store, logger *zap.SugaredLogger, opts ...MultiBackendOption) *MultiBackend {
	m := &MultiBackend{
		stores:            make(map[BackendKind]store.Store, len(stores)),
		index:             make(map[BackendKind]map[string]entryMeta, len(stores)),
		invalidationDepth: 1,
		clock:             clock.New(),
		logger:            logger,
	}
	for kind, s := range stores {
		m.stores[kind] = s
		m.index[kind] = make(map[string]entryMeta)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = graph.NewTracker()
	}
	if m.logger == nil {
		m.logger = zap.NewNop().Sugar()
	}
	m.tracker.SetInspector(m)
	return m
}

func (m *MultiBackend) Tracker() *graph.Tracker {
	return m.tracker
}

func (m *MultiBackend) store(backend BackendKind) (store.Store, error) {
	s, ok := m.stores[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
	return s, nil
}

func (m *MultiBackend) Get(ctx context.Context, key string, opts ...Option) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	o := ResolveOptions(opts...)
	s, err := m.store(o.Backend)
	if err != nil {
		return nil, false, err
	}

	value, found, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q from %s: %w", key, o.Backend, err)
	}
	if !found {
		m.forget(o.Backend, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (m *MultiBackend) Set(ctx context.Context, key string, value []byte, opts ...Option) error {
	if key == "" {
		return ErrEmptyKey
	}
	o := ResolveOptions(opts...)
	s, err := m.store(o.Backend)
	if err != nil {
		return err
	}

	ttl := o.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("failed to set %q on %s: %w", key, o.Backend, err)
	}

	now := m.clock.Now()
	meta := entryMeta{size: int64(len(key) + len(value)), createdAt: now}
	if ttl > 0 {
		meta.expiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	m.index[o.Backend][key] = meta
	m.mu.Unlock()

	if len(o.RelatedKeys) > 0 {
		m.tracker.RegisterRelationships(key, o.RelatedKeys)
	}
	return nil
}

func (m *MultiBackend) Delete(ctx context.Context, key string, opts ...Option) error {
	if key == "" {
		return ErrEmptyKey
	}
	o := ResolveOptions(opts...)
	s, err := m.store(o.Backend)
	if err != nil {
		return err
	}

	if err := s.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %q from %s: %w", key, o.Backend, err)
	}
	m.forget(o.Backend, key)
	return nil
}

// Invalidate deletes key and the keys related to it within the invalidation depth, on the
// same backend. Every key is attempted; the first failure is returned.
func (m *MultiBackend) Invalidate(ctx context.Context, key string, opts ...Option) error {
	if key == "" {
		return ErrEmptyKey
	}
	o := ResolveOptions(opts...)
	s, err := m.store(o.Backend)
	if err != nil {
		return err
	}

	keys := append([]string{key}, m.tracker.RelatedKeysRecursive(key, m.invalidationDepth)...)
	var firstErr error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			m.logger.Warnw("Failed to invalidate cache key", "key", k, "backend", o.Backend, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to invalidate %q on %s: %w", k, o.Backend, err)
			}
			continue
		}
		m.forget(o.Backend, k)
	}
	return firstErr
}

func (m *MultiBackend) Clear(ctx context.Context, opts ...Option) error {
	o := ResolveOptions(opts...)
	s, err := m.store(o.Backend)
	if err != nil {
		return err
	}

	if err := s.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear %s: %w", o.Backend, err)
	}
	m.mu.Lock()
	m.index[o.Backend] = make(map[string]entryMeta)
	m.mu.Unlock()
	return nil
}

func (m *MultiBackend) forget(backend BackendKind, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index[backend], key)
}

// Inspect reports the most recently stored entry for key across backends.
func (m *MultiBackend) Inspect(key string) (graph.EntryInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var info graph.EntryInfo
	found := false
	for _, backend := range Backends {
		meta, ok := m.index[backend][key]
		if !ok || (found && !meta.createdAt.After(info.CreatedAt)) {
			continue
		}
		found = true
		info = graph.EntryInfo{
			Backend:   string(backend),
			Size:      meta.size,
			CreatedAt: meta.createdAt,
			ExpiresAt: meta.expiresAt,
			Expired:   !meta.expiresAt.IsZero() && !now.Before(meta.expiresAt),
		}
	}
	return info, found
}

// Stats counts the live entries written through this manager.
func (m *MultiBackend) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var stats Stats
	for _, entries := range m.index {
		for _, meta := range entries {
			if !meta.expiresAt.IsZero() && !now.Before(meta.expiresAt) {
				continue
			}
			stats.Entries++
			stats.Bytes += meta.size
		}
	}
	return stats
}

// Close closes every store.
func (m *MultiBackend) Close() error {
	var firstErr error
	for kind, s := range m.stores {
		if err := s.Close(); err != nil {
			m.logger.Errorw("Failed to close cache store", "backend", kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

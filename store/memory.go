package store

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aprovafacil/cachemon/utils/heap"
)

// New field costs: bool=1 intX=X/8 (e.g., int16=2) string=16 []byte=24 ptr=8
// key (16) + value (24) + expiry (8) + lastReadAt (8) + readCount (8) +
// Map/GC overhead (64) = 128
const entryOverhead = 128

// If any fields are changed, update entryOverhead.
type memoryEntry struct {
	// Cache key as given by the caller.
	key string

	// Byte representation of the cached value.
	value []byte

	// Expiry time in unix nanoseconds. math.MaxInt64 never expires.
	expiry int64

	// Last read time in unix nanoseconds.
	lastReadAt int64

	// Number of times the entry has been read. Starts from 1.
	readCount int64
}

type MemoryStore struct {
	// Any string key -> cache entry
	entries map[string]*memoryEntry

	// Priority queue for entries, ordered by a combination of read count and
	// last read time
	entryHeap *heap.MinHeap[*memoryEntry]
	mu        sync.Mutex

	// Maximum size of the store in bytes. If exceeding, the least frequently
	// used and oldest entries are removed.
	maxBytes int64

	// Current size of the store in bytes
	usage int64

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock

	stopCleanup func()
	closeOnce   sync.Once
}

// NewMemoryStore creates an in-memory store bounded by maxBytes.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return NewMemoryStoreWithClock(maxBytes, clock.New())
}

// NewMemoryStoreWithClock is NewMemoryStore with an injected clock.
func NewMemoryStoreWithClock(maxBytes int64, clk clock.Clock) *MemoryStore {
	s := &MemoryStore{
		entries:  make(map[string]*memoryEntry),
		maxBytes: maxBytes,
		clock:    clk,
	}

	// Less frequently used entries, and older entries are at the top.
	s.entryHeap = heap.NewMinHeap(func(a *memoryEntry, b *memoryEntry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	s.stopCleanup = s.startCleanup(5 * time.Minute)
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}

	now := s.clock.Now().UnixNano()
	if entry.expiry <= now {
		s.deleteEntry(entry)
		return nil, false, nil
	}

	entry.lastReadAt = now
	entry.readCount++
	s.entryHeap.Update(entry)

	return bytes.Clone(entry.value), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.entries[key]; exists {
		s.deleteEntry(existing)
	}

	sizeToAdd := entrySize(key, value)
	if sizeToAdd > s.maxBytes {
		return fmt.Errorf("entry of %d bytes exceeds store capacity of %d bytes", sizeToAdd, s.maxBytes)
	}
	exceeding := s.usage + sizeToAdd - s.maxBytes
	if exceeding > 0 {
		if err := s.evict(exceeding); err != nil {
			return fmt.Errorf("failed to evict entries: %v", err)
		}
	}

	now := s.clock.Now().UnixNano()
	expiry := int64(math.MaxInt64)
	if ttl > 0 {
		expiry = now + ttl.Nanoseconds()
	}
	entry := &memoryEntry{
		key:        key,
		value:      bytes.Clone(value),
		expiry:     expiry,
		lastReadAt: now,
		readCount:  1,
	}

	s.entries[key] = entry
	s.entryHeap.Push(entry)
	s.usage += sizeToAdd
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists {
		s.deleteEntry(entry)
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		s.entryHeap.Remove(entry)
	}
	s.entries = make(map[string]*memoryEntry)
	s.usage = 0
	return nil
}

// Len returns the number of stored entries, expired ones included until they are swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Usage returns the estimated number of bytes held by the store.
func (s *MemoryStore) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(s.stopCleanup)
	return nil
}

func (s *MemoryStore) deleteEntry(entry *memoryEntry) {
	delete(s.entries, entry.key)
	s.entryHeap.Remove(entry)
	s.usage -= entrySize(entry.key, entry.value)
}

func (s *MemoryStore) evict(sizeInBytes int64) error {
	bytesFreed := int64(0)
	for bytesFreed < sizeInBytes {
		entry, ok := s.entryHeap.Pop()
		if !ok {
			return fmt.Errorf("failed to free enough space")
		}
		bytesFreed += entrySize(entry.key, entry.value)
		delete(s.entries, entry.key)
	}
	s.usage -= bytesFreed
	return nil
}

func entrySize(key string, value []byte) int64 {
	return entryOverhead + int64(len(key)+len(value))
}

func (s *MemoryStore) cleanup() {
	now := s.clock.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*memoryEntry
	for _, entry := range s.entries {
		if entry.expiry <= now {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		s.deleteEntry(entry)
	}
}

func (s *MemoryStore) startCleanup(interval time.Duration) func() {
	ticker := s.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

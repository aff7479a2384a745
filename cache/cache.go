package cache

import (
	"context"
	"errors"
	"time"
)

// OperationKind identifies one of the five cache verbs.
type OperationKind string

const (
	OpGet        OperationKind = "get"
	OpSet        OperationKind = "set"
	OpDelete     OperationKind = "delete"
	OpInvalidate OperationKind = "invalidate"
	OpClear      OperationKind = "clear"
)

// Operations lists every verb in a stable order.
var Operations = []OperationKind{OpGet, OpSet, OpDelete, OpInvalidate, OpClear}

// BackendKind identifies where a cache entry lives.
type BackendKind string

const (
	// BackendMemory is the process-local in-memory store.
	BackendMemory BackendKind = "memory"

	// BackendLocal is the local persistent store (survives restarts).
	BackendLocal BackendKind = "local"

	// BackendSession is the session persistent store, scoped to the running session.
	BackendSession BackendKind = "session"

	// BackendRemote is the shared remote store.
	BackendRemote BackendKind = "remote"
)

// Backends lists every backend kind in a stable order.
var Backends = []BackendKind{BackendMemory, BackendLocal, BackendSession, BackendRemote}

// Result is the outcome of an observed cache operation.
type Result string

const (
	ResultHit     Result = "hit"
	ResultMiss    Result = "miss"
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// Stats is the size of the cache across backends.
type Stats struct {
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

var (
	ErrUnknownBackend = errors.New("unknown cache backend")
	ErrEmptyKey       = errors.New("cache key must not be empty")
)

// Manager is the capability shared by the raw cache manager and every decorator around it.
type Manager interface {
	// Get returns the stored value. A miss is reported with found=false and a nil error.
	Get(ctx context.Context, key string, opts ...Option) (value []byte, found bool, err error)

	// Set stores the value. Related keys given with WithRelatedKeys are recorded so that
	// invalidating one of them also invalidates the others.
	Set(ctx context.Context, key string, value []byte, opts ...Option) error

	// Delete removes a single key.
	Delete(ctx context.Context, key string, opts ...Option) error

	// Invalidate removes the key together with its related keys.
	Invalidate(ctx context.Context, key string, opts ...Option) error

	// Clear removes every entry of the selected backend.
	Clear(ctx context.Context, opts ...Option) error
}

// Options carries the per-call settings of a cache verb.
type Options struct {
	Backend     BackendKind
	TTL         time.Duration
	RelatedKeys []string
	UserID      string
}

type Option func(*Options)

// WithBackend selects the backend. Defaults to BackendMemory.
func WithBackend(backend BackendKind) Option {
	return func(o *Options) {
		o.Backend = backend
	}
}

// WithTTL sets the time to live of a stored entry. Zero uses the manager default.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = ttl
	}
}

// WithRelatedKeys declares keys related to the one being stored.
func WithRelatedKeys(keys ...string) Option {
	return func(o *Options) {
		o.RelatedKeys = append(o.RelatedKeys, keys...)
	}
}

// WithUser attributes the operation to a user.
func WithUser(userID string) Option {
	return func(o *Options) {
		o.UserID = userID
	}
}

// ResolveOptions applies opts over the defaults.
func ResolveOptions(opts ...Option) Options {
	o := Options{Backend: BackendMemory}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

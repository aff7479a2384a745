package metrics

import (
	"time"

	"github.com/aprovafacil/cachemon/cache"
)

// Base cost of a stored record: timestamp (24) + duration (8) + size pointer (8) +
// seven string headers (7*16) rounded up with slice slot overhead = 128
const recordOverhead = 128

// OperationRecord is one observed cache operation. If any fields are changed, update
// recordOverhead and cost.
type OperationRecord struct {
	ID        string              `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Operation cache.OperationKind `json:"operation"`
	Backend   cache.BackendKind   `json:"backend"`
	Key       string              `json:"key,omitempty"`

	// Milliseconds, never negative.
	Duration float64      `json:"duration"`
	Result   cache.Result `json:"result"`

	// Payload size in bytes. Only set when size collection is enabled.
	Size *int64 `json:"size,omitempty"`

	Error  string `json:"error,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// cost estimates the bytes held by r.
func (r OperationRecord) cost() int64 {
	return recordOverhead + int64(len(r.ID)+len(r.Key)+len(r.Error)+len(r.UserID)+
		len(r.Operation)+len(r.Backend)+len(r.Result))
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Backend   cache.BackendKind   `json:"backend,omitempty"`
	Operation cache.OperationKind `json:"operation,omitempty"`

	// Inclusive time range.
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`

	// Maximum number of records, newest first. Zero or negative means no limit.
	Limit int `json:"limit,omitempty"`
}

func (f Filter) matches(r OperationRecord) bool {
	if f.Backend != "" && r.Backend != f.Backend {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

type Statistics struct {
	TotalOperations int `json:"total_operations"`

	// Over get operations only.
	HitRate  float64 `json:"hit_rate"`
	MissRate float64 `json:"miss_rate"`

	ErrorRate float64 `json:"error_rate"`

	// Milliseconds.
	AverageDuration float64 `json:"average_duration"`

	OperationCounts map[cache.OperationKind]int `json:"operation_counts"`

	// Present when the collector has a stats source.
	CacheSize  *int64 `json:"cache_size,omitempty"`
	EntryCount *int64 `json:"entry_count,omitempty"`
}

// StatsSource reports the current size of the cache. The cache manager implements it.
type StatsSource interface {
	Stats() cache.Stats
}

// EndDetails carries the optional fields known when an operation completes.
type EndDetails struct {
	Err    error
	Size   *int64
	UserID string

	// Measured by the caller. Nil times the operation from its start record.
	Duration *time.Duration
}

// OperationInput describes an already completed operation.
type OperationInput struct {
	Operation cache.OperationKind
	Backend   cache.BackendKind
	Key       string
	Duration  time.Duration
	Result    cache.Result
	Err       error
	Size      *int64
	UserID    string

	// Completion time. Zero means now.
	Timestamp time.Time
}

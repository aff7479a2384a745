package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/cache"
)

// EventType names a point in the life of an instrumented verb.
type EventType string

const (
	BeforeGet        EventType = "before_get"
	AfterGet         EventType = "after_get"
	BeforeSet        EventType = "before_set"
	AfterSet         EventType = "after_set"
	BeforeDelete     EventType = "before_delete"
	AfterDelete      EventType = "after_delete"
	BeforeInvalidate EventType = "before_invalidate"
	AfterInvalidate  EventType = "after_invalidate"
	BeforeClear      EventType = "before_clear"
	AfterClear       EventType = "after_clear"

	// EventError follows the after event of a failed verb.
	EventError EventType = "error"
)

func BeforeEvent(operation cache.OperationKind) EventType {
	return EventType("before_" + operation)
}

func AfterEvent(operation cache.OperationKind) EventType {
	return EventType("after_" + operation)
}

// Event describes one step of an instrumented verb. Before events carry no duration or
// result.
type Event struct {
	Type EventType

	// Shared by every event of the same call.
	OperationID uint64

	Operation cache.OperationKind
	Backend   cache.BackendKind
	Key       string

	// Bytes written by a set or returned by a get hit. -1 when the verb carries no payload.
	PayloadSize int

	Err      error
	Duration time.Duration
	Result   cache.Result
	Time     time.Time
}

// Listener observes events. A returned error or a panic is logged and otherwise ignored.
type Listener func(Event) error

type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// dispatcher fans events out to listeners registered per type or for every type.
type dispatcher struct {
	mu        sync.RWMutex
	nextID    ListenerID
	byType    map[EventType][]registration
	wildcards []registration

	failures atomic.Uint64
	logger   *zap.SugaredLogger
}

func newDispatcher(logger *zap.SugaredLogger) *dispatcher {
	return &dispatcher{
		byType: make(map[EventType][]registration),
		logger: logger,
	}
}

func (d *dispatcher) add(eventType EventType, fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	reg := registration{id: d.nextID, fn: fn}
	if eventType == "" {
		d.wildcards = append(d.wildcards, reg)
	} else {
		d.byType[eventType] = append(d.byType[eventType], reg)
	}
	return reg.id
}

func (d *dispatcher) remove(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if regs, ok := without(d.wildcards, id); ok {
		d.wildcards = regs
		return true
	}
	for eventType, regs := range d.byType {
		if remaining, ok := without(regs, id); ok {
			if len(remaining) == 0 {
				delete(d.byType, eventType)
			} else {
				d.byType[eventType] = remaining
			}
			return true
		}
	}
	return false
}

func without(regs []registration, id ListenerID) ([]registration, bool) {
	for i, reg := range regs {
		if reg.id == id {
			return append(regs[:i:i], regs[i+1:]...), true
		}
	}
	return regs, false
}

// emit calls the listeners of evt.Type in registration order, then the wildcard listeners.
// Listeners run outside the lock so they may add or remove listeners.
func (d *dispatcher) emit(evt Event) {
	d.mu.RLock()
	typed := d.byType[evt.Type]
	regs := make([]registration, 0, len(typed)+len(d.wildcards))
	regs = append(regs, typed...)
	regs = append(regs, d.wildcards...)
	d.mu.RUnlock()

	for _, reg := range regs {
		if err := invoke(reg.fn, evt); err != nil {
			d.failures.Add(1)
			d.logger.Warnw("Cache event listener failed",
				"listener_id", reg.id,
				"event", evt.Type,
				"key", evt.Key,
				"error", err,
			)
		}
	}
}

func invoke(fn Listener, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(evt)
}

package sampling

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/buffer"
)

// LoadSource reports the current load as a value in [0, 1].
type LoadSource interface {
	Load() float64
}

// attemptObserver is implemented by load sources that measure sampling attempts.
type attemptObserver interface {
	Observe()
}

// OperationRate estimates load from the number of sampling attempts within a sliding
// window, relative to a target throughput. Once the window holds target×window attempts
// the load is 1, so older timestamps are never needed and the window is a fixed ring.
type OperationRate struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	target   float64
	attempts *buffer.Circular[time.Time]
}

func NewOperationRate(window time.Duration, targetOpsPerSecond float64, clk clock.Clock) (*OperationRate, error) {
	if window <= 0 || targetOpsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: operation rate needs a positive window and target", ErrInvalidConfig)
	}
	capacity := int(math.Ceil(targetOpsPerSecond * window.Seconds()))
	attempts, err := buffer.New[time.Time](max(capacity, 1))
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &OperationRate{
		clock:    clk,
		window:   window,
		target:   targetOpsPerSecond,
		attempts: attempts,
	}, nil
}

// Observe records one attempt at the current time.
func (r *OperationRate) Observe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	r.expire(now)
	r.attempts.Push(now)
}

func (r *OperationRate) Load() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.clock.Now())

	perSecond := float64(r.attempts.Len()) / r.window.Seconds()
	return clamp(perSecond/r.target, 0, 1)
}

func (r *OperationRate) expire(now time.Time) {
	cutoff := now.Add(-r.window)
	for {
		oldest, ok := r.attempts.Peek()
		if !ok || oldest.After(cutoff) {
			return
		}
		r.attempts.Shift()
	}
}

// SystemLoad reports the one minute OS load average divided by the number of CPUs. Reads
// are cached for refresh; a failed read keeps the previous value.
type SystemLoad struct {
	mu       sync.Mutex
	fs       procfs.FS
	customFS bool
	clock    clock.Clock
	refresh  time.Duration
	cpus     int
	last     float64
	readAt   time.Time
	logger   *zap.SugaredLogger
	warnOnce sync.Once
}

// SystemLoadOption customizes a SystemLoad.
type SystemLoadOption func(*SystemLoad)

// WithProcFS reads the load average from fs instead of the host /proc.
func WithProcFS(fs procfs.FS) SystemLoadOption {
	return func(s *SystemLoad) {
		s.fs = fs
		s.customFS = true
	}
}

// WithCPUs overrides the CPU count used to normalize the load average.
func WithCPUs(cpus int) SystemLoadOption {
	return func(s *SystemLoad) {
		s.cpus = cpus
	}
}

func NewSystemLoad(clk clock.Clock, logger *zap.SugaredLogger, opts ...SystemLoadOption) (*SystemLoad, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &SystemLoad{
		clock:   clk,
		refresh: 5 * time.Second,
		cpus:    runtime.NumCPU(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.customFS {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, fmt.Errorf("failed to open procfs: %w", err)
		}
		s.fs = fs
	}
	return s, nil
}

func (s *SystemLoad) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.readAt.IsZero() && now.Sub(s.readAt) < s.refresh {
		return s.last
	}
	s.readAt = now

	avg, err := s.fs.LoadAvg()
	if err != nil {
		s.warnOnce.Do(func() {
			s.logger.Warnw("Failed to read load average, keeping previous value", "error", err)
		})
		return s.last
	}
	s.last = clamp(avg.Load1/float64(max(s.cpus, 1)), 0, 1)
	return s.last
}

// ManualLoad holds a load value supplied by the caller.
type ManualLoad struct {
	bits atomic.Uint64
}

func NewManualLoad(initial float64) *ManualLoad {
	m := &ManualLoad{}
	m.SetLoad(initial)
	return m
}

// SetLoad stores load clamped to [0, 1].
func (m *ManualLoad) SetLoad(load float64) {
	if math.IsNaN(load) {
		load = 0
	}
	m.bits.Store(math.Float64bits(clamp(load, 0, 1)))
}

func (m *ManualLoad) Load() float64 {
	return math.Float64frombits(m.bits.Load())
}

func newLoadSource(cfg Config, clk clock.Clock, logger *zap.SugaredLogger) (LoadSource, error) {
	switch cfg.LoadSource {
	case LoadSystem:
		return NewSystemLoad(clk, logger)
	case LoadManual:
		return NewManualLoad(0), nil
	default:
		return NewOperationRate(cfg.RateWindow, cfg.TargetOpsPerSecond, clk)
	}
}

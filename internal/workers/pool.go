// Package workers runs untrusted tasks under admission control, wall-clock
// deadlines and panic recovery.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is a unit of work. It must return soon after ctx is done.
type TaskFunc func(ctx context.Context) error

// Pool bounds how many tasks run at once and enforces per-task deadlines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	slots chan struct{}
	wg    sync.WaitGroup

	running atomic.Bool

	metrics *PoolMetrics
}

// PoolConfig configures the pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	MaxConcurrent   int           // Tasks allowed to run at once
	QueueTimeout    time.Duration // How long Run waits for a free slot
	GracePeriod     time.Duration // How long to wait for a task to stop after its deadline
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Convert task panics into errors
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		MaxConcurrent:   runtime.NumCPU(),
		QueueTimeout:    10 * time.Second,
		GracePeriod:     2 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool activity
type PoolMetrics struct {
	mu sync.Mutex

	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64

	latencies   []int64
	latencyIdx  int
	latencySize int
	filled      int

	startTime time.Time
}

// NewPoolMetrics creates a new metrics tracker
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies:   make([]int64, 1024),
		latencySize: 1024,
		startTime:   time.Now(),
	}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = ns
	m.latencyIdx = (m.latencyIdx + 1) % m.latencySize
	if m.filled < m.latencySize {
		m.filled++
	}
}

// P99Latency returns the 99th percentile latency of recent tasks
func (m *PoolMetrics) P99Latency() time.Duration {
	m.mu.Lock()
	sorted := make([]int64, m.filled)
	copy(sorted, m.latencies[:m.filled])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// Stats returns current metrics
func (m *PoolMetrics) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.TasksFailed),
		TasksTimeout:   atomic.LoadInt64(&m.TasksTimeout),
		PanicRecovered: atomic.LoadInt64(&m.PanicRecovered),
		P99Latency:     m.P99Latency(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new pool. Call Start before Run.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Pool{
		logger:  logger,
		config:  config,
		slots:   make(chan struct{}, config.MaxConcurrent),
		metrics: NewPoolMetrics(),
	}
}

// Start opens the pool for work
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("max_concurrent", p.config.MaxConcurrent),
	)
}

// Run executes task on its own goroutine and waits for it, at most timeout.
// On expiry onTimeout is called (to interrupt the task), Run waits up to the
// grace period for the goroutine to stop and returns ErrTaskTimeout. The slot
// is held until the goroutine actually exits.
func (p *Pool) Run(ctx context.Context, timeout time.Duration, task TaskFunc, onTimeout func()) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.config.QueueTimeout):
		return ErrQueueFull
	}
	atomic.AddInt64(&p.metrics.TasksSubmitted, 1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()
	done := make(chan error, 1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()

		var err error
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&p.metrics.PanicRecovered, 1)
					p.logger.Error("worker recovered from panic",
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()),
					)
					err = &PanicError{Recovered: r}
				}
				done <- err
			}()
		}

		err = task(runCtx)
		if !p.config.PanicRecovery {
			done <- err
		}
	}()

	select {
	case err := <-done:
		p.metrics.RecordLatency(time.Since(startTime).Nanoseconds())
		if err != nil {
			atomic.AddInt64(&p.metrics.TasksFailed, 1)
		} else {
			atomic.AddInt64(&p.metrics.TasksCompleted, 1)
		}
		return err

	case <-runCtx.Done():
		atomic.AddInt64(&p.metrics.TasksTimeout, 1)
		if onTimeout != nil {
			onTimeout()
		}
		select {
		case <-done:
		case <-time.After(p.config.GracePeriod):
			p.logger.Warn("task did not stop within grace period",
				zap.String("name", p.config.Name),
				zap.Duration("grace", p.config.GracePeriod),
			)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
		}
		return ctx.Err()
	}
}

// Stop closes the pool and waits for running tasks
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully",
			zap.String("name", p.config.Name),
		)
		return nil

	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// InFlight returns the number of occupied slots
func (p *Pool) InFlight() int {
	return len(p.slots)
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.Stats()
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "no free slot"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
	ErrTaskTimeout     = &PoolError{Message: "task deadline exceeded"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

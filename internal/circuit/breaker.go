// Package circuit bounds concurrent calls to each agent so a hung target
// cannot starve requests bound for other agents.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/usize/agentic-control-plane/internal/metrics"
)

var (
	// ErrQueueFull is returned when the agent already has MaxQueueSize callers waiting.
	ErrQueueFull = errors.New("queue full: agent has too many pending requests")
	// ErrQueueTimeout is returned when waiting for a free slot takes longer than QueueTimeout.
	ErrQueueTimeout = errors.New("queue timeout: waited too long for agent capacity")
)

// Breaker is a concurrency limiter with a bounded wait queue for one agent.
type Breaker struct {
	agent string

	mu           sync.Mutex
	active       int32
	waiting      int32
	limit        int32
	maxQueue     int32
	queueTimeout time.Duration
	// wake is closed and replaced whenever a slot frees or the limits change.
	wake chan struct{}
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxConcurrent int32
	MaxQueueSize  int32
	QueueTimeout  time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 16,
		MaxQueueSize:  32,
		QueueTimeout:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize < 0 {
		c.MaxQueueSize = 0
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	return c
}

// New creates a breaker for agent.
func New(agent string, cfg Config) *Breaker {
	cfg = cfg.normalized()
	return &Breaker{
		agent:        agent,
		limit:        cfg.MaxConcurrent,
		maxQueue:     cfg.MaxQueueSize,
		queueTimeout: cfg.QueueTimeout,
		wake:         make(chan struct{}),
	}
}

// Acquire takes a slot, waiting in the queue when all slots are busy.
// Every successful Acquire must be paired with Release.
func (b *Breaker) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.active < b.limit {
		b.active++
		b.mu.Unlock()
		b.updateMetrics()
		return nil
	}
	if b.waiting >= b.maxQueue {
		b.mu.Unlock()
		metrics.RecordCircuitBreakerRejection(b.agent, "queue_full")
		return ErrQueueFull
	}
	b.waiting++
	timeout := b.queueTimeout
	b.mu.Unlock()
	b.updateMetrics()

	defer func() {
		b.mu.Lock()
		b.waiting--
		b.mu.Unlock()
		b.updateMetrics()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.active < b.limit {
			b.active++
			b.mu.Unlock()
			return nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.RecordCircuitBreakerRejection(b.agent, "timeout")
			return ErrQueueTimeout
		}
	}
}

// Release frees a slot taken by Acquire.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.active--
	b.wakeLocked()
	b.mu.Unlock()
	b.updateMetrics()
}

// Resize applies cfg to the breaker. Calls already in flight above a lowered
// limit finish normally; new callers wait until the agent is under the limit.
func (b *Breaker) Resize(cfg Config) {
	cfg = cfg.normalized()
	b.mu.Lock()
	b.limit = cfg.MaxConcurrent
	b.maxQueue = cfg.MaxQueueSize
	b.queueTimeout = cfg.QueueTimeout
	b.wakeLocked()
	b.mu.Unlock()
	b.updateMetrics()
}

func (b *Breaker) wakeLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Breaker) updateMetrics() {
	stats := b.Stats()
	metrics.SetCircuitBreakerActive(b.agent, int(stats.Active))
	metrics.SetCircuitBreakerWaiting(b.agent, int(stats.Waiting))
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Active      int32
	Waiting     int32
	MaxCapacity int32
	MaxQueue    int32
}

// Stats returns current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Active:      b.active,
		Waiting:     b.waiting,
		MaxCapacity: b.limit,
		MaxQueue:    b.maxQueue,
	}
}

// BreakerManager hands out one breaker per agent.
type BreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewManager creates a new breaker manager.
func NewManager(defaults Config) *BreakerManager {
	return &BreakerManager{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for agent, creating one if needed.
func (m *BreakerManager) Get(agent string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[agent]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[agent]; ok {
		return b
	}
	b = New(agent, m.defaults)
	m.breakers[agent] = b
	return b
}

// UpdateConfig applies cfg to every existing breaker and to those created
// from now on.
func (m *BreakerManager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = cfg
	for _, b := range m.breakers {
		b.Resize(cfg)
	}
}

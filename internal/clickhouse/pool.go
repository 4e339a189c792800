package clickhouse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PoolConfig bounds client handle checkout.
type PoolConfig struct {
	MaxSize         int           `yaml:"max_size"`
	PreWarm         int           `yaml:"pre_warm"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// DefaultPoolConfig returns the default pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:         10,
		PreWarm:         3,
		AcquireTimeout:  10 * time.Second,
		MonitorInterval: 15 * time.Second,
	}
}

// PoolStats is a point-in-time view of pool utilization.
type PoolStats struct {
	MaxSize   int   `json:"max_size"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	Created   int64 `json:"created"`
	Acquires  int64 `json:"acquires"`
	Timeouts  int64 `json:"timeouts"`
	Degraded  bool  `json:"degraded"`
}

// Pool reuses store clients across concurrent flushes. Checkout blocks up
// to the acquire timeout; releasing beyond capacity closes the handle.
type Pool struct {
	cfg     PoolConfig
	factory func() *Client
	idle    chan *Client

	mu       sync.Mutex
	total    int
	created  int64
	acquires int64
	timeouts int64

	degraded    bool
	highSamples int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool builds a pool over the given client factory and pre-warms the
// configured number of handles.
func NewPool(cfg PoolConfig, factory func() *Client) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 15 * time.Second
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		idle:    make(chan *Client, cfg.MaxSize),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.PreWarm && i < cfg.MaxSize; i++ {
		p.idle <- p.newHandle()
	}

	go p.monitor()
	return p
}

// Acquire checks out a handle, creating one when under capacity, else
// waiting for a return up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	p.acquires++
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	p.mu.Lock()
	if p.total < p.cfg.MaxSize {
		c := p.newHandleLocked()
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case c := <-p.idle:
		return c, nil
	case <-timer.C:
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool, closing it when the pool is
// already at capacity.
func (p *Pool) Release(c *Client) {
	if c == nil {
		return
	}
	select {
	case p.idle <- c:
	default:
		c.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
	}
}

// Stats returns current utilization.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.idle)
	return PoolStats{
		MaxSize:  p.cfg.MaxSize,
		InUse:    p.total - idle,
		Idle:     idle,
		Created:  p.created,
		Acquires: p.acquires,
		Timeouts: p.timeouts,
		Degraded: p.degraded,
	}
}

// Degraded reports whether checkout pressure has held at or above 90% of
// capacity for more than one monitoring interval.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Close stops the monitor and closes idle handles. Outstanding handles are
// closed as they are released.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for {
		select {
		case c := <-p.idle:
			c.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		default:
			return
		}
	}
}

func (p *Pool) newHandle() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newHandleLocked()
}

func (p *Pool) newHandleLocked() *Client {
	p.total++
	p.created++
	return p.factory()
}

// monitor samples checkout pressure each interval. Two consecutive samples
// at or above the high watermark flip the pool to degraded.
func (p *Pool) monitor() {
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	highWater := (p.cfg.MaxSize*9 + 9) / 10

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			inUse := p.total - len(p.idle)
			if inUse >= highWater {
				p.highSamples++
			} else {
				p.highSamples = 0
			}
			wasDegraded := p.degraded
			p.degraded = p.highSamples >= 2
			if p.degraded && !wasDegraded {
				log.Warn().
					Int("in_use", inUse).
					Int("max_size", p.cfg.MaxSize).
					Msg("Connection pool degraded: sustained high checkout")
			}
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}

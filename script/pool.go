package script

import (
	"context"
	"sync"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/rcrowley/go-metrics"
)

// PoolConfig 执行上下文池配置
type PoolConfig struct {
	// Size is the maximum number of runtimes alive at once.
	// Default: 8
	Size int
	// AcquireTimeout bounds how long a caller waits for a free runtime.
	// Default: 50ms
	AcquireTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           8,
		AcquireTimeout: 50 * time.Millisecond,
	}
}

// Pool hands out isolated runtimes, one caller at a time per runtime.
// A runtime is created lazily and is discarded instead of returned when
// its state can no longer be trusted (e.g. after a forced interrupt).
type Pool struct {
	sem     chan struct{}
	timeout time.Duration
	newVM   func() (*vm, error)

	mu   sync.Mutex
	idle []*vm

	created   metrics.Counter
	discarded metrics.Counter
	exhausted metrics.Counter
}

func newPool(config PoolConfig, newVM func() (*vm, error), registry metrics.Registry) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultPoolConfig().Size
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultPoolConfig().AcquireTimeout
	}
	return &Pool{
		sem:       make(chan struct{}, config.Size),
		timeout:   config.AcquireTimeout,
		newVM:     newVM,
		created:   metrics.GetOrRegisterCounter("script.pool.created", registry),
		discarded: metrics.GetOrRegisterCounter("script.pool.discarded", registry),
		exhausted: metrics.GetOrRegisterCounter("script.pool.exhausted", registry),
	}
}

// Acquire returns a runtime or api.ErrPoolExhausted once the timeout passes.
// Every successful Acquire must be paired with exactly one Release.
func (p *Pool) Acquire(ctx context.Context) (*vm, error) {
	select {
	case p.sem <- struct{}{}:
	default:
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		select {
		case p.sem <- struct{}{}:
		case <-t.C:
			p.exhausted.Inc(1)
			return nil, api.ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		v := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	v, err := p.newVM()
	if err != nil {
		<-p.sem
		return nil, err
	}
	p.created.Inc(1)
	return v, nil
}

// Release gives the runtime back, or drops it when discard is set.
func (p *Pool) Release(v *vm, discard bool) {
	if discard {
		p.discarded.Inc(1)
	} else {
		p.mu.Lock()
		p.idle = append(p.idle, v)
		p.mu.Unlock()
	}
	<-p.sem
}

// Idle returns the number of parked runtimes.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InUse returns the number of runtimes currently acquired.
func (p *Pool) InUse() int {
	return len(p.sem)
}

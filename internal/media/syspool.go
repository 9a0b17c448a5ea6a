package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolActive is returned when reconfiguring a started pool.
	ErrPoolActive = errors.New("pool is active")
	// ErrPoolInactive is returned when acquiring from a stopped pool.
	ErrPoolInactive = errors.New("pool is not active")
	// ErrPoolExhausted is returned by a DontWait acquire on an empty pool.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrForeignBuffer is returned when releasing a buffer the pool did not hand out.
	ErrForeignBuffer = errors.New("buffer does not belong to this pool")
)

// SystemPool is a BufferPool of Go heap memory. Its buffers can be borrowed by
// another pool through Buffers.
type SystemPool struct {
	mu     sync.Mutex
	cfg    PoolConfig
	active bool
	queue  *WaitQueue
	all    []*Buffer
	out    map[*Buffer]struct{}
}

// NewSystemPool creates an unconfigured pool.
func NewSystemPool() *SystemPool {
	p := &SystemPool{out: make(map[*Buffer]struct{})}
	p.queue = NewWaitQueue(&p.mu, 0)
	return p
}

// SetConfig implements BufferPool.
func (p *SystemPool) SetConfig(cfg PoolConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return ErrPoolActive
	}
	if cfg.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidRange, cfg.Size)
	}
	if cfg.MaxBuffers > 0 && cfg.MinBuffers > cfg.MaxBuffers {
		return fmt.Errorf("%w: min %d > max %d", ErrInvalidRange, cfg.MinBuffers, cfg.MaxBuffers)
	}
	p.cfg = cfg.Clone()
	return nil
}

// Config implements BufferPool.
func (p *SystemPool) Config() PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Clone()
}

// Options implements BufferPool.
func (p *SystemPool) Options() []string {
	return []string{PoolOptionVideoMeta}
}

// Start pre-allocates MinBuffers buffers.
func (p *SystemPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}
	p.queue.Reopen()
	for i := 0; i < p.cfg.MinBuffers; i++ {
		if err := p.queue.Push(p.allocLocked()); err != nil {
			return err
		}
	}
	p.active = true
	return nil
}

func (p *SystemPool) allocLocked() *Buffer {
	buf := NewBufferWithMemory(NewSystemMemory(p.cfg.Size))
	buf.SetOwner(p)
	if p.cfg.HasOption(PoolOptionVideoMeta) && p.cfg.Caps != nil {
		if info, err := VideoInfoFromCaps(p.cfg.Caps); err == nil {
			buf.AddVideoMeta(VideoMetaFromInfo(info))
		}
	}
	p.all = append(p.all, buf)
	return buf
}

// Stop frees the queued buffers. Buffers still held by callers are freed on release.
func (p *SystemPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	p.active = false
	p.queue.Close()
	for _, buf := range p.queue.Drain() {
		p.forgetLocked(buf)
		buf.FreeMemories()
	}
	return nil
}

func (p *SystemPool) forgetLocked(buf *Buffer) {
	for i, b := range p.all {
		if b == buf {
			p.all = append(p.all[:i], p.all[i+1:]...)
			return
		}
	}
}

// IsActive implements BufferPool.
func (p *SystemPool) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Acquire implements BufferPool. New buffers are allocated while fewer than
// MaxBuffers exist; 0 means no limit.
func (p *SystemPool) Acquire(ctx context.Context, params *AcquireParams) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, ErrPoolInactive
	}
	buf, ok := p.queue.TryPop()
	if !ok {
		switch {
		case p.cfg.MaxBuffers == 0 || len(p.all) < p.cfg.MaxBuffers:
			buf = p.allocLocked()
		case params != nil && params.DontWait:
			return nil, ErrPoolExhausted
		default:
			var err error
			if buf, err = p.queue.Wait(ctx); err != nil {
				if errors.Is(err, ErrQueueClosed) {
					return nil, ErrPoolInactive
				}
				return nil, err
			}
		}
	}
	p.out[buf] = struct{}{}
	return buf, nil
}

// Release implements Owner.
func (p *SystemPool) Release(buf *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.out[buf]; !ok {
		return ErrForeignBuffer
	}
	delete(p.out, buf)
	if !p.active {
		p.forgetLocked(buf)
		buf.FreeMemories()
		return nil
	}
	return p.queue.Push(buf)
}

// Buffers returns every buffer the pool has materialized, in allocation order.
func (p *SystemPool) Buffers() []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Buffer, len(p.all))
	copy(out, p.all)
	return out
}

// Outstanding returns the number of buffers held by callers.
func (p *SystemPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.out)
}

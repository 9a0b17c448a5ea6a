package hwpool

import (
	"time"

	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/allocator"
	"github.com/penguintechinc/hwbufferpool/internal/events"
	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
)

// BorrowablePool is a pool whose materialized buffers can be lent to a hardware pool.
type BorrowablePool interface {
	media.BufferPool
	Buffers() []*media.Buffer
}

// Option configures a Pool.
type Option func(*Pool)

// WithComponent attaches the pool to a hardware component. The component must stay
// valid for the lifetime of the pool; the caller keeps ownership. Without a component
// the pool runs in standalone mode.
func WithComponent(c hwbuf.Component) Option {
	return func(p *Pool) { p.component = c }
}

// WithBorrowedPool makes the pool hand out the buffers of other instead of wrapping
// its own port memory. Buffers are taken from other in index order and given back
// when the pool stops. other must outlive the pool; the caller keeps ownership.
func WithBorrowedPool(other BorrowablePool) Option {
	return func(p *Pool) { p.other = other }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics the pool records into.
func WithMetrics(m *metrics.PoolMetrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithReporter sets where asynchronous hardware errors are reported.
func WithReporter(r events.Reporter) Option {
	return func(p *Pool) {
		if r != nil {
			p.reporter = r
		}
	}
}

// WithAllocator sets the allocator used to wrap port buffers.
func WithAllocator(a *allocator.Allocator) Option {
	return func(p *Pool) {
		if a != nil {
			p.alloc = a
		}
	}
}

// WithAcquireTimeout bounds how long a blocking Acquire waits. 0 waits until the
// context is done.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithName sets the pool name used in logs and metrics.
func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// Package filter implements the passthrough element that owns a hardware port and
// proposes a pool over it during allocation negotiation.
package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/events"
	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/hwpool"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
	"github.com/penguintechinc/hwbufferpool/internal/store"
)

const (
	DefaultNumBuffers = 3
	MinNumBuffers     = 1
	MaxNumBuffers     = 16
)

var (
	// ErrNoCaps is returned when the query carries no caps.
	ErrNoCaps = errors.New("allocation query has no caps")
	// ErrInvalidCaps is returned when the query caps do not describe raw video.
	ErrInvalidCaps = errors.New("allocation query caps are invalid")
	// ErrOutOfRange is returned for a num-buffers value outside 1..16.
	ErrOutOfRange = errors.New("num-buffers out of range")
	// ErrNotNegotiated is returned when no pool has been proposed yet.
	ErrNotNegotiated = errors.New("no pool negotiated")
)

// Journal records negotiation outcomes.
type Journal interface {
	RecordNegotiation(ctx context.Context, rec *store.NegotiationRecord) error
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metrics registry for the filter and its pools.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// WithReporter sets where pool hardware errors are reported.
func WithReporter(r events.Reporter) Option {
	return func(f *Filter) { f.reporter = r }
}

// WithJournal records every negotiation in j.
func WithJournal(j Journal) Option {
	return func(f *Filter) { f.journal = j }
}

// WithAcquireTimeout bounds blocking acquires on proposed pools.
func WithAcquireTimeout(d time.Duration) Option {
	return func(f *Filter) { f.acquireTimeout = d }
}

// Filter is a passthrough element. It owns the port and its buffers; the pools it
// proposes wrap them.
type Filter struct {
	name           string
	heap           hwbuf.Heap
	port           *hwbuf.Port
	logger         *zap.Logger
	metrics        *metrics.Metrics
	reporter       events.Reporter
	journal        Journal
	acquireTimeout time.Duration

	// negotiation serializes ProposeAllocation and Stop. It is taken before mu and
	// is the only lock held while waiting for a pool to stop.
	negotiation sync.Mutex

	mu         sync.Mutex
	component  hwbuf.Component
	numBuffers int
	pool       *hwpool.Pool
	started    bool
	frames     atomic.Uint64
}

// New creates a filter named name whose port follows def and allocates from heap.
func New(name string, heap hwbuf.Heap, def hwbuf.Definition, opts ...Option) *Filter {
	f := &Filter{
		name:       name,
		heap:       heap,
		logger:     zap.NewNop(),
		numBuffers: DefaultNumBuffers,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("filter").With(zap.String("element", name))
	f.port = hwbuf.NewPort(def, f.logger)
	return f
}

// Name returns the element name.
func (f *Filter) Name() string { return f.name }

// Port returns the port the filter allocates buffers on.
func (f *Filter) Port() *hwbuf.Port { return f.port }

// SetComponent attaches pools proposed from now on to c. nil proposes standalone pools.
func (f *Filter) SetComponent(c hwbuf.Component) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.component = c
}

// NumBuffers returns the num-buffers property.
func (f *Filter) NumBuffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numBuffers
}

// SetNumBuffers sets the num-buffers property used by the next negotiation.
func (f *Filter) SetNumBuffers(n int) error {
	if n < MinNumBuffers || n > MaxNumBuffers {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, n, MinNumBuffers, MaxNumBuffers)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numBuffers = n
	return nil
}

// Pool returns the pool of the last successful negotiation, or nil.
func (f *Filter) Pool() *hwpool.Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool
}

// ProposeAllocation answers an allocation query. When a pool is requested the port
// buffers are (re)allocated for the query caps and a pool over them is added to q.
// The video meta API is always advertised.
func (f *Filter) ProposeAllocation(ctx context.Context, q *media.AllocationQuery) error {
	if q.Caps == nil {
		f.logger.Debug("no caps specified")
		f.finishNegotiation(ctx, nil, ErrNoCaps)
		return ErrNoCaps
	}

	f.negotiation.Lock()
	defer f.negotiation.Unlock()

	var rec *store.NegotiationRecord
	if q.NeedPool {
		var err error
		rec, err = f.proposePool(ctx, q)
		if err != nil {
			f.finishNegotiation(ctx, &store.NegotiationRecord{Element: f.name, Caps: q.Caps.String()}, err)
			return err
		}
	}
	q.AddMeta(media.VideoMetaAPI)
	f.finishNegotiation(ctx, rec, nil)
	return nil
}

func (f *Filter) proposePool(ctx context.Context, q *media.AllocationQuery) (*store.NegotiationRecord, error) {
	info, err := media.VideoInfoFromCaps(q.Caps)
	if err != nil {
		f.logger.Debug("invalid caps specified", zap.Stringer("caps", q.Caps), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInvalidCaps, err)
	}
	size := info.Size
	f.mu.Lock()
	n := f.numBuffers
	component := f.component
	negotiated := f.pool != nil
	f.mu.Unlock()

	if negotiated {
		if err := f.teardown(ctx); err != nil {
			return nil, fmt.Errorf("release previous negotiation: %w", err)
		}
	}

	def := f.port.Definition()
	def.Domain = hwbuf.DomainVideo
	def.Video.Width = info.Width
	def.Video.Height = info.Height
	def.Video.Stride = info.Stride[0]
	def.Video.SliceHeight = info.Height
	def.Video.Format = info.Format
	def.Video.Compression = hwbuf.CompressionUnused
	if err := f.port.SetDefinition(def); err != nil {
		return nil, err
	}

	f.logger.Debug("allocating port buffers", zap.Int("count", n), zap.Int("size", size))
	if err := f.port.Allocate(f.heap, n, size); err != nil {
		return nil, err
	}

	opts := []hwpool.Option{
		hwpool.WithName(f.name),
		hwpool.WithLogger(f.logger),
		hwpool.WithReporter(f.reporter),
		hwpool.WithAcquireTimeout(f.acquireTimeout),
	}
	if f.metrics != nil {
		opts = append(opts, hwpool.WithMetrics(f.metrics.Pool(f.name)))
	}
	mode := "standalone"
	if component != nil {
		opts = append(opts, hwpool.WithComponent(component))
		mode = "attached"
	}
	pool := hwpool.New(f.port, opts...)
	pool.SetAllocating(true)

	cfg := media.PoolConfig{Caps: q.Caps, Size: size, MinBuffers: n, MaxBuffers: n}
	if err := pool.SetConfig(cfg); err != nil {
		f.logger.Debug("failed setting config", zap.Error(err))
		_ = pool.Close()
		if ferr := f.port.FreeAll(); ferr != nil {
			f.logger.Error("free port buffers after failed config", zap.Error(ferr))
		}
		return nil, err
	}
	q.AddPool(pool, size, n, n)
	f.mu.Lock()
	f.pool = pool
	f.mu.Unlock()

	f.logger.Info("pool proposed",
		zap.Stringer("caps", q.Caps),
		zap.Int("size", size),
		zap.Int("buffers", n),
		zap.String("mode", mode))
	return &store.NegotiationRecord{
		Element:    f.name,
		Pool:       pool.ID().String(),
		Caps:       q.Caps.String(),
		Mode:       mode,
		Size:       size,
		MinBuffers: n,
		MaxBuffers: n,
	}, nil
}

func (f *Filter) finishNegotiation(ctx context.Context, rec *store.NegotiationRecord, err error) {
	if f.metrics != nil {
		f.metrics.RecordNegotiation(err == nil)
	}
	if f.journal == nil || rec == nil {
		return
	}
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := f.journal.RecordNegotiation(ctx, rec); jerr != nil {
		f.logger.Warn("negotiation journal write failed", zap.Error(jerr))
	}
}

// ActivatePool starts the negotiated pool and closes its allocation phase.
func (f *Filter) ActivatePool() error {
	f.mu.Lock()
	pool := f.pool
	f.mu.Unlock()

	if pool == nil {
		return ErrNotNegotiated
	}
	if err := pool.Start(); err != nil {
		return err
	}
	pool.SetAllocating(false)
	return nil
}

// Transform passes buf through unchanged.
func (f *Filter) Transform(buf *media.Buffer) (*media.Buffer, error) {
	f.frames.Add(1)
	return buf, nil
}

// Start marks the element running.
func (f *Filter) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.logger.Info("element started", zap.Int("num_buffers", f.numBuffers))
	return nil
}

// Stop stops the proposed pool, waits for callers to hand back their buffers and
// frees the port buffers. It fails with hwbuf.ErrBufferInUse while the hardware still
// holds any of them. Status and Pool stay available while Stop waits.
func (f *Filter) Stop(ctx context.Context) error {
	f.negotiation.Lock()
	defer f.negotiation.Unlock()

	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	if err := f.teardown(ctx); err != nil {
		return err
	}
	f.logger.Info("element stopped", zap.Uint64("frames", f.frames.Load()))
	return nil
}

// teardown requires f.negotiation. f.pool stays set until the pool has stopped.
func (f *Filter) teardown(ctx context.Context) error {
	f.mu.Lock()
	pool := f.pool
	f.mu.Unlock()

	if pool != nil {
		if err := pool.Close(); err != nil {
			return err
		}
		if err := pool.WaitStopped(ctx); err != nil {
			return fmt.Errorf("wait for pool stop: %w", err)
		}
		f.mu.Lock()
		f.pool = nil
		f.mu.Unlock()
	}
	if err := f.port.FreeAll(); err != nil {
		f.logger.Error("trying to free buffers still used by hardware", zap.Error(err))
		return err
	}
	return nil
}

// Status is a snapshot of the element.
type Status struct {
	Name       string        `json:"name"`
	NumBuffers int           `json:"num_buffers"`
	Started    bool          `json:"started"`
	Negotiated bool          `json:"negotiated"`
	Frames     uint64        `json:"frames"`
	Pool       *hwpool.Stats `json:"pool,omitempty"`
}

// Status returns the element status.
func (f *Filter) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Status{
		Name:       f.name,
		NumBuffers: f.numBuffers,
		Started:    f.started,
		Negotiated: f.pool != nil,
		Frames:     f.frames.Load(),
	}
	if f.pool != nil {
		ps := f.pool.Stats()
		s.Pool = &ps
	}
	return s
}

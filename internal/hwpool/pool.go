// Package hwpool binds the generic buffer pool protocol to the fixed buffer ring of a
// hardware port.
package hwpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/allocator"
	"github.com/penguintechinc/hwbufferpool/internal/events"
	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
)

var (
	// ErrUnbound is returned when starting a pool without a port.
	ErrUnbound = errors.New("pool is not bound to a port")
	// ErrNoPortBuffers is returned when starting on a port without buffers.
	ErrNoPortBuffers = errors.New("port has no buffers")
	// ErrNotConfigured is returned when starting before SetConfig.
	ErrNotConfigured = errors.New("pool is not configured")
	// ErrNoCaps is returned by SetConfig without caps.
	ErrNoCaps = errors.New("config has no caps")
	// ErrInvalidCaps is returned when caps cannot be parsed into video info.
	ErrInvalidCaps = errors.New("invalid caps")
	// ErrPoolActive is returned when reconfiguring a started pool.
	ErrPoolActive = media.ErrPoolActive
	// ErrStopPending is returned when starting while a deferred stop is in progress.
	ErrStopPending = errors.New("pool stop pending")
	// ErrInactive is returned by operations that need a started pool.
	ErrInactive = errors.New("pool is not active")
	// ErrNotAllocating is returned by AllocateBuffer outside an allocation phase.
	ErrNotAllocating = errors.New("pool is not allocating")
	// ErrInvalidIndex is returned for buffer indexes outside the port.
	ErrInvalidIndex = errors.New("invalid buffer index")
	// ErrInvalidCursor is returned when the acquisition cursor points at a broken slot.
	ErrInvalidCursor = errors.New("invalid buffer cursor")
	// ErrAlreadyMaterialized is returned when a slot already has a buffer object.
	ErrAlreadyMaterialized = errors.New("buffer already materialized")
	// ErrUnsupportedFormat is returned when no plane layout is known for a format.
	ErrUnsupportedFormat = errors.New("unsupported video format")
	// ErrNoBuffer is returned by a DontWait acquire when nothing is available.
	ErrNoBuffer = errors.New("no buffer available")
	// ErrAcquireTimeout is returned when a blocking acquire exceeds the pool timeout.
	ErrAcquireTimeout = errors.New("acquire timed out")
	// ErrPoolClosed is returned to acquirers woken by Stop.
	ErrPoolClosed = errors.New("pool closed")
	// ErrNotOutstanding is returned when releasing a buffer not acquired from the pool.
	ErrNotOutstanding = errors.New("buffer is not outstanding")
)

var _ media.BufferPool = (*Pool)(nil)

// State is the lifecycle state of a Pool.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "unconfigured"
	}
}

// Pool is a media.BufferPool whose buffers are the buffers of a hardware port.
//
// With a component the pool is attached: output buffers released by callers are handed
// back to the component for filling and return to the pool when the component signals
// completion. Without a component the pool is a plain queue over the port buffers.
type Pool struct {
	id             uuid.UUID
	name           string
	logger         *zap.Logger
	metrics        *metrics.PoolMetrics
	reporter       events.Reporter
	alloc          *allocator.Allocator
	acquireTimeout time.Duration
	port           *hwbuf.Port
	component      hwbuf.Component
	other          BorrowablePool

	mu           sync.Mutex
	state        State
	cfg          media.PoolConfig
	caps         *media.Caps
	info         media.VideoInfo
	addVideoMeta bool
	allocating   bool
	deactivated  bool
	cursor       int
	buffers      []*media.Buffer // index-parallel to the port buffers
	hw           map[*media.Buffer]*hwbuf.Buffer
	queue        *media.WaitQueue
	outstanding  map[*media.Buffer]struct{}
	inHardware   map[*media.Buffer]struct{}
	deferred     map[*media.Buffer]struct{}
	rejected     map[*media.Buffer]error
	stopped      chan struct{}
	counters     counters
}

type counters struct {
	acquired  uint64
	released  uint64
	hwReturns uint64
	rejected  uint64
	deferred  uint64
}

// New creates a pool over port. A nil port leaves the pool unbound.
func New(port *hwbuf.Port, opts ...Option) *Pool {
	p := &Pool{
		id:          uuid.New(),
		logger:      zap.NewNop(),
		reporter:    events.NopReporter{},
		port:        port,
		hw:          make(map[*media.Buffer]*hwbuf.Buffer),
		outstanding: make(map[*media.Buffer]struct{}),
		inHardware:  make(map[*media.Buffer]struct{}),
		deferred:    make(map[*media.Buffer]struct{}),
		rejected:    make(map[*media.Buffer]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.name == "" {
		p.name = "hwpool-" + p.id.String()[:8]
	}
	p.logger = p.logger.Named("hwpool").With(zap.String("pool", p.name))
	if p.alloc == nil {
		p.alloc = allocator.New(p.logger)
	}
	p.queue = media.NewWaitQueue(&p.mu, 0)
	p.queue.Close()

	if port != nil && p.component != nil {
		port.SetComponent(p.component)
		port.SetCompletionHandler(p.hardwareDone)
	}
	return p
}

// ID returns the unique id of the pool.
func (p *Pool) ID() uuid.UUID { return p.id }

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Port returns the bound port, or nil.
func (p *Pool) Port() *hwbuf.Port { return p.port }

func (p *Pool) attached() bool {
	return p.component != nil
}

// cursorMode reports whether the first acquisition cycle walks the slots in order.
func (p *Pool) cursorMode() bool {
	return p.attached() && p.port.Direction() == hwbuf.DirOutput
}

// SetConfig stores cfg. Raw video ports parse the caps into video info.
func (p *Pool) SetConfig(cfg media.PoolConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStarted || p.state == StateStopping {
		return ErrPoolActive
	}
	if cfg.Caps == nil {
		return ErrNoCaps
	}
	cfg = cfg.Clone()
	if err := p.applyConfigLocked(cfg); err != nil {
		return err
	}
	p.cfg = cfg
	p.state = StateConfigured
	p.logger.Info("pool configured",
		zap.Stringer("caps", cfg.Caps),
		zap.Int("size", cfg.Size),
		zap.Int("min", cfg.MinBuffers),
		zap.Int("max", cfg.MaxBuffers),
		zap.Bool("video_meta", p.addVideoMeta))
	return nil
}

func (p *Pool) applyConfigLocked(cfg media.PoolConfig) error {
	var info media.VideoInfo
	raw := p.port != nil && p.port.IsRawVideo()
	if raw {
		var err error
		if info, err = media.VideoInfoFromCaps(cfg.Caps); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidCaps, cfg.Caps, err)
		}
	}
	p.caps = cfg.Caps
	p.info = info
	p.addVideoMeta = raw && cfg.HasOption(media.PoolOptionVideoMeta)
	return nil
}

// Config returns a copy of the stored configuration.
func (p *Pool) Config() media.PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Clone()
}

// Caps returns the caps derived from the configuration. Stop clears them.
func (p *Pool) Caps() *media.Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps.Copy()
}

// Options lists the config options the pool understands.
func (p *Pool) Options() []string {
	if p.port != nil && p.port.IsRawVideo() {
		return []string{media.PoolOptionVideoMeta}
	}
	return nil
}

// SetAllocating opens or closes an allocation phase for AllocateBuffer. While
// allocating, released buffers are recycled without being handed to the hardware.
func (p *Pool) SetAllocating(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocating = on
}

// SetDeactivated makes released buffers bypass the hardware.
func (p *Pool) SetDeactivated(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated = on
}

// IsActive reports whether the pool is started.
func (p *Pool) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateStarted
}

// State returns the lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start materializes MinBuffers buffer objects and opens the pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == StateStarted:
		return nil
	case p.state == StateStopping:
		return ErrStopPending
	case p.port == nil:
		return ErrUnbound
	case p.state == StateUnconfigured:
		return ErrNotConfigured
	}
	n := p.port.Len()
	if n == 0 {
		return ErrNoPortBuffers
	}
	if err := p.applyConfigLocked(p.cfg); err != nil {
		return err
	}

	p.buffers = make([]*media.Buffer, n)
	p.hw = make(map[*media.Buffer]*hwbuf.Buffer, n)
	p.queue = media.NewWaitQueue(&p.mu, n)
	p.stopped = make(chan struct{})
	p.cursor = 0

	prev := p.allocating
	p.allocating = true
	for i := 0; i < p.cfg.MinBuffers; i++ {
		if _, err := p.allocateLocked(i); err != nil {
			p.allocating = prev
			for obj := range p.hw {
				p.freeBufferLocked(obj)
			}
			p.buffers = nil
			p.caps = nil
			return fmt.Errorf("preallocate buffer %d: %w", i, err)
		}
	}
	p.allocating = prev
	p.cursor = 0
	p.state = StateStarted

	for i, obj := range p.buffers {
		if obj != nil {
			p.placeLocked(obj, i)
		}
	}
	p.updateLevelsLocked()

	mode := "standalone"
	if p.attached() {
		mode = "attached"
	}
	p.logger.Info("pool started",
		zap.String("mode", mode),
		zap.Stringer("dir", p.port.Direction()),
		zap.Int("port_buffers", n),
		zap.Int("materialized", p.cfg.MinBuffers),
		zap.Bool("borrowed", p.other != nil))
	return nil
}

// Stop closes the pool. Blocked acquirers fail with ErrPoolClosed. When callers still
// hold buffers the pool stays in StateStopping until the last one is released.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStarted {
		return nil
	}
	p.queue.Close()
	if n := len(p.outstanding); n > 0 {
		p.state = StateStopping
		p.logger.Info("stop deferred until buffers are released", zap.Int("outstanding", n))
		return nil
	}
	p.finishStopLocked()
	return nil
}

func (p *Pool) finishStopLocked() {
	p.queue.Drain()
	for obj := range p.hw {
		p.freeBufferLocked(obj)
	}
	p.buffers = nil
	p.hw = make(map[*media.Buffer]*hwbuf.Buffer)
	p.inHardware = make(map[*media.Buffer]struct{})
	p.deferred = make(map[*media.Buffer]struct{})
	p.rejected = make(map[*media.Buffer]error)
	p.caps = nil
	p.info = media.VideoInfo{}
	p.addVideoMeta = false
	p.cursor = 0
	p.state = StateConfigured
	close(p.stopped)
	p.updateLevelsLocked()
	p.logger.Info("pool stopped")
}

// WaitStopped blocks until a deferred stop has completed.
func (p *Pool) WaitStopped(ctx context.Context) error {
	p.mu.Lock()
	stopping := p.state == StateStopping
	ch := p.stopped
	p.mu.Unlock()

	if !stopping {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the pool and detaches it from the port.
func (p *Pool) Close() error {
	err := p.Stop()
	if p.port != nil && p.attached() {
		p.port.SetCompletionHandler(nil)
		p.port.SetComponent(nil)
	}
	return err
}

// AllocateBuffer materializes the buffer object of port slot index while the pool is
// started and an allocation phase is open. The object joins the pool and the cursor
// moves past index; slots skipped on the way are materialized by the first cycle.
func (p *Pool) AllocateBuffer(index int) (*media.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStarted {
		return nil, ErrInactive
	}
	obj, err := p.allocateLocked(index)
	if err != nil {
		return nil, err
	}
	p.placeLocked(obj, index)
	p.updateLevelsLocked()
	return obj, nil
}

func (p *Pool) allocateLocked(idx int) (*media.Buffer, error) {
	if !p.allocating {
		return nil, ErrNotAllocating
	}
	if idx < 0 || idx >= len(p.buffers) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, idx, len(p.buffers))
	}
	if p.buffers[idx] != nil {
		return nil, fmt.Errorf("%w: index %d", ErrAlreadyMaterialized, idx)
	}
	hwb, err := p.port.Buffer(idx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIndex, err)
	}

	var obj *media.Buffer
	if p.other != nil {
		if obj, err = p.borrowLocked(idx); err != nil {
			return nil, err
		}
	} else {
		var meta *media.VideoMeta
		if p.addVideoMeta {
			m, err := videoMetaForPort(p.port.Definition(), p.info)
			if err != nil {
				return nil, err
			}
			meta = &m
		}
		obj = media.NewBufferWithMemory(p.alloc.Wrap(hwb))
		obj.SetOwner(p)
		if meta != nil {
			obj.AddVideoMeta(*meta)
		}
	}

	p.buffers[idx] = obj
	p.hw[obj] = hwb
	if idx >= p.cursor {
		p.cursor = idx + 1
	}
	p.logger.Debug("buffer materialized", zap.Int("index", idx), zap.Bool("borrowed", p.other != nil))
	return obj, nil
}

func (p *Pool) borrowLocked(idx int) (*media.Buffer, error) {
	lent := p.other.Buffers()
	if idx >= len(lent) {
		return nil, fmt.Errorf("%w: borrowed pool has %d buffers, need index %d", ErrInvalidIndex, len(lent), idx)
	}
	obj := lent[idx]
	if _, dup := p.hw[obj]; dup {
		return nil, fmt.Errorf("%w: borrowed buffer %d", ErrAlreadyMaterialized, idx)
	}
	obj.SetOwner(p)
	for i := 0; i < obj.NMemory(); i++ {
		m := obj.PeekMemory(i)
		m.SetFlags(m.Flags() | media.MemoryFlagNoShare)
	}
	if p.addVideoMeta && obj.VideoMeta() == nil {
		obj.AddVideoMeta(media.VideoMetaFromInfo(p.info))
	}
	return obj, nil
}

// videoMetaForPort computes the plane layout the hardware uses for its frames.
func videoMetaForPort(def hwbuf.Definition, info media.VideoInfo) (media.VideoMeta, error) {
	format := def.Video.Format
	if format == media.VideoFormatUnknown {
		format = info.Format
	}
	stride := def.Video.Stride
	if stride == 0 {
		stride = info.Stride[0]
	}
	slice := def.Video.SliceHeight
	if slice == 0 {
		slice = info.Height
	}

	meta := media.VideoMeta{Format: format, Width: info.Width, Height: info.Height}
	switch format {
	case media.VideoFormatI420:
		meta.NPlanes = 3
		meta.Offset[1] = stride * slice
		meta.Offset[2] = meta.Offset[1] + (stride/2)*(slice/2)
		meta.Stride[0] = stride
		meta.Stride[1] = stride / 2
		meta.Stride[2] = stride / 2
	case media.VideoFormatNV12:
		meta.NPlanes = 2
		meta.Offset[1] = stride * slice
		meta.Stride[0] = stride
		meta.Stride[1] = stride
	default:
		return media.VideoMeta{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
	return meta, nil
}

// placeLocked puts a freshly materialized object where acquisition will find it.
func (p *Pool) placeLocked(obj *media.Buffer, idx int) {
	if p.cursorMode() && idx >= p.cursor {
		return
	}
	p.pushLocked(obj)
}

func (p *Pool) pushLocked(obj *media.Buffer) {
	if err := p.queue.Push(obj); err != nil {
		p.logger.Error("availability queue push failed", zap.Error(err))
	}
	p.updateLevelsLocked()
}

// Acquire hands out a buffer. In attached output mode the first cycle walks the
// port slots in order; afterwards buffers come back in completion order.
func (p *Pool) Acquire(ctx context.Context, params *media.AcquireParams) (*media.Buffer, error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateStarted:
	case StateStopping:
		return nil, ErrPoolClosed
	default:
		return nil, ErrInactive
	}

	var (
		obj *media.Buffer
		err error
	)
	if idx, ok := p.firstCycleSlotLocked(); ok {
		obj, err = p.acquireSlotLocked(idx)
	} else {
		obj, err = p.acquireQueuedLocked(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	if p.cursorMode() && p.other == nil {
		p.refreshLocked(obj)
	}
	p.outstanding[obj] = struct{}{}
	p.counters.acquired++
	p.metrics.Acquired(time.Since(start).Seconds())
	p.updateLevelsLocked()
	return obj, nil
}

// firstCycleSlotLocked picks the next slot the first output cycle hands out: the
// lowest slot below the cursor that was never materialized, else the cursor itself.
func (p *Pool) firstCycleSlotLocked() (int, bool) {
	if !p.cursorMode() {
		return 0, false
	}
	limit := min(p.cursor, len(p.buffers), p.port.Len())
	for i := 0; i < limit; i++ {
		if p.buffers[i] == nil {
			return i, true
		}
	}
	if p.cursor < len(p.buffers) {
		return p.cursor, true
	}
	return 0, false
}

func (p *Pool) acquireSlotLocked(idx int) (*media.Buffer, error) {
	if obj := p.buffers[idx]; obj != nil {
		p.dropStaleLocked(obj)
	}
	if p.buffers[idx] == nil {
		prev := p.allocating
		p.allocating = true
		_, err := p.allocateLocked(idx)
		p.allocating = prev
		if err != nil {
			return nil, err
		}
	}
	obj := p.buffers[idx]
	if idx >= p.cursor {
		p.cursor = idx + 1
	}
	if _, ok := p.hw[obj]; !ok {
		return nil, fmt.Errorf("%w: slot %d has no hardware buffer", ErrInvalidCursor, idx)
	}
	p.logger.Debug("cursor acquire", zap.Int("index", idx))
	return obj, nil
}

func (p *Pool) acquireQueuedLocked(ctx context.Context, params *media.AcquireParams) (*media.Buffer, error) {
	var wctx context.Context
	for {
		obj, ok := p.queue.TryPop()
		if !ok {
			if params != nil && params.DontWait {
				return nil, ErrNoBuffer
			}
			if wctx == nil {
				wctx = ctx
				if p.acquireTimeout > 0 {
					var cancel context.CancelFunc
					wctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
					defer cancel()
				}
			}
			p.logger.Debug("waiting for buffer", zap.Int("outstanding", len(p.outstanding)))
			var err error
			obj, err = p.queue.Wait(wctx)
			switch {
			case err == nil:
			case errors.Is(err, media.ErrQueueClosed):
				return nil, ErrPoolClosed
			case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
				p.logger.Warn("acquire timed out", zap.Duration("timeout", p.acquireTimeout))
				return nil, fmt.Errorf("%w after %s", ErrAcquireTimeout, p.acquireTimeout)
			default:
				return nil, err
			}
		}
		if !p.dropStaleLocked(obj) {
			return obj, nil
		}
	}
}

// staleLocked reports whether obj wraps a port buffer from earlier port settings.
func (p *Pool) staleLocked(obj *media.Buffer) bool {
	hwb := p.hw[obj]
	return hwb == nil || hwb.Port() != p.port || hwb.SettingsCookie() != p.port.SettingsCookie()
}

// dropStaleLocked frees obj instead of recycling it when it is stale.
func (p *Pool) dropStaleLocked(obj *media.Buffer) bool {
	if !p.staleLocked(obj) {
		return false
	}
	p.logger.Info("dropping buffer from previous port settings")
	p.freeBufferLocked(obj)
	p.updateLevelsLocked()
	return true
}

// refreshLocked exposes the range the hardware filled.
func (p *Pool) refreshLocked(obj *media.Buffer) {
	hwb := p.hw[obj]
	mem := obj.PeekMemory(0)
	if hwb == nil || mem == nil {
		return
	}
	if err := mem.Resize(hwb.Offset, hwb.FilledLen); err != nil {
		p.logger.Warn("hardware fill range out of bounds",
			zap.Int("index", hwb.Index()),
			zap.Int("offset", hwb.Offset),
			zap.Int("filled", hwb.FilledLen),
			zap.Error(err))
		_ = mem.Resize(0, hwb.AllocLen)
	}
}

// Release returns obj to the pool. In attached mode an output buffer goes back to the
// hardware; a buffer the hardware still holds is recycled once it completes.
func (p *Pool) Release(obj *media.Buffer) error {
	p.mu.Lock()
	if _, ok := p.outstanding[obj]; !ok {
		p.mu.Unlock()
		return ErrNotOutstanding
	}
	delete(p.outstanding, obj)
	p.counters.released++
	p.metrics.Released()

	if p.state != StateStarted {
		p.freeBufferLocked(obj)
		if p.state == StateStopping && len(p.outstanding) == 0 {
			p.finishStopLocked()
		}
		p.mu.Unlock()
		return nil
	}

	if p.dropStaleLocked(obj) {
		p.mu.Unlock()
		return nil
	}
	hwb := p.hw[obj]

	if !p.attached() || p.allocating || p.deactivated {
		p.pushLocked(obj)
		p.mu.Unlock()
		return nil
	}
	if hwb.InUse() {
		p.deferred[obj] = struct{}{}
		p.counters.deferred++
		p.metrics.Deferred()
		p.logger.Warn("buffer released while held by hardware, deferring", zap.Int("index", hwb.Index()))
		p.updateLevelsLocked()
		p.mu.Unlock()
		return nil
	}
	if p.port.Direction() == hwbuf.DirInput {
		p.pushLocked(obj)
		p.mu.Unlock()
		return nil
	}

	p.inHardware[obj] = struct{}{}
	p.updateLevelsLocked()
	p.mu.Unlock()

	// The component may complete synchronously, so it is called without the lock.
	_ = p.submit(obj, hwb)
	return nil
}

// submit hands hwb to the component. A rejection is reported and obj is parked in
// the rejected set.
func (p *Pool) submit(obj *media.Buffer, hwb *hwbuf.Buffer) error {
	err := p.port.Submit(hwb)
	if err == nil {
		return nil
	}

	p.mu.Lock()
	if _, ok := p.inHardware[obj]; ok {
		delete(p.inHardware, obj)
		if _, live := p.hw[obj]; live {
			p.rejected[obj] = err
		}
	}
	p.counters.rejected++
	p.metrics.Rejected()
	p.mu.Unlock()

	p.logger.Error("hardware rejected buffer", zap.Int("index", hwb.Index()), zap.Error(err))
	ee := events.NewElementError(p.name, events.DomainLibrary, events.CodeFailed, err)
	ee.BufferIndex = hwb.Index()
	ee.Debug = "failed to hand buffer back to hardware"
	if rerr := p.reporter.Report(context.Background(), ee); rerr != nil {
		p.logger.Warn("element error report failed", zap.Error(rerr))
	}
	return err
}

// Rejected returns the buffers the hardware refused.
func (p *Pool) Rejected() []*media.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*media.Buffer, 0, len(p.rejected))
	for obj := range p.rejected {
		out = append(out, obj)
	}
	return out
}

// RetryRejected hands every rejected buffer to the hardware again. While allocating
// or deactivated they go to the availability queue instead.
func (p *Pool) RetryRejected() error {
	type pending struct {
		obj *media.Buffer
		hwb *hwbuf.Buffer
	}

	p.mu.Lock()
	if p.state != StateStarted {
		p.mu.Unlock()
		return ErrInactive
	}
	var retry []pending
	for obj := range p.rejected {
		delete(p.rejected, obj)
		if p.allocating || p.deactivated {
			p.pushLocked(obj)
			continue
		}
		p.inHardware[obj] = struct{}{}
		retry = append(retry, pending{obj: obj, hwb: p.hw[obj]})
	}
	p.mu.Unlock()

	var errs []error
	for _, r := range retry {
		if err := p.submit(r.obj, r.hwb); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hardwareDone is the port completion handler.
func (p *Pool) hardwareDone(hwb *hwbuf.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counters.hwReturns++
	p.metrics.HardwareDone()
	if p.state != StateStarted {
		return
	}
	idx := hwb.Index()
	if idx >= len(p.buffers) || p.buffers[idx] == nil || p.hw[p.buffers[idx]] != hwb {
		p.logger.Debug("completion for unmaterialized buffer", zap.Int("index", idx))
		return
	}
	obj := p.buffers[idx]

	if _, ok := p.deferred[obj]; ok {
		delete(p.deferred, obj)
		p.pushLocked(obj)
		return
	}
	if _, ok := p.inHardware[obj]; ok {
		delete(p.inHardware, obj)
		if p.cursorMode() && idx >= p.cursor {
			// Still ahead of the cursor: the first cycle hands it out.
			p.updateLevelsLocked()
			return
		}
		p.pushLocked(obj)
	}
}

// freeBufferLocked tears down obj: borrowed objects go back to their pool, wrapped
// port memory is released.
func (p *Pool) freeBufferLocked(obj *media.Buffer) {
	if hwb := p.hw[obj]; hwb != nil {
		if i := hwb.Index(); i < len(p.buffers) && p.buffers[i] == obj {
			p.buffers[i] = nil
		}
	}
	delete(p.hw, obj)
	delete(p.inHardware, obj)
	delete(p.deferred, obj)
	delete(p.rejected, obj)

	if p.other != nil {
		obj.SetOwner(p.other)
		if err := p.other.Release(obj); err != nil {
			p.logger.Warn("returning borrowed buffer failed", zap.Error(err))
		}
		return
	}
	for i := 0; i < obj.NMemory(); i++ {
		if m, ok := allocator.FromMemory(obj.PeekMemory(i)); ok {
			p.alloc.Free(m)
		}
	}
	obj.FreeMemories()
	obj.SetOwner(nil)
}

func (p *Pool) updateLevelsLocked() {
	p.metrics.SetLevels(len(p.outstanding), p.queue.Len())
}

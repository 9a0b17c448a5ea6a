// Package hwsim provides a software stand-in for a hardware codec component.
package hwsim

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
)

var (
	// ErrRejecting is returned while the component is told to refuse buffers.
	ErrRejecting = errors.New("component rejecting buffers")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("component closed")
	// ErrBusy is returned when the work queue is full.
	ErrBusy = errors.New("component work queue full")
)

// Config configures a Component.
type Config struct {
	// FillDelay is how long each buffer stays with the component.
	FillDelay time.Duration
	// FrameSize is the number of bytes written per output buffer. 0 fills the
	// whole buffer.
	FrameSize int
	// QueueDepth bounds the number of buffers held at once.
	QueueDepth int
	Logger     *zap.Logger
}

// Stats counts processed buffers.
type Stats struct {
	Filled        uint64 `json:"filled"`
	Emptied       uint64 `json:"emptied"`
	BytesConsumed uint64 `json:"bytes_consumed"`
	Flushed       uint64 `json:"flushed"`
}

// Component implements hwbuf.Component. A worker goroutine completes submitted
// buffers in submission order through Port.BufferDone.
type Component struct {
	port   *hwbuf.Port
	logger *zap.Logger
	delay  time.Duration
	frame  int

	work      chan *hwbuf.Buffer
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	held      *hwbuf.Buffer // interrupted by Close, owned by the worker until it exits

	rejecting atomic.Bool
	seq       atomic.Uint64
	filled    atomic.Uint64
	emptied   atomic.Uint64
	consumed  atomic.Uint64
	flushed   atomic.Uint64
}

// New starts a component completing buffers of port.
func New(port *hwbuf.Port, cfg Config) *Component {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	c := &Component{
		port:   port,
		logger: cfg.Logger.Named("hwsim"),
		delay:  cfg.FillDelay,
		frame:  cfg.FrameSize,
		work:   make(chan *hwbuf.Buffer, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// FillThisBuffer queues an output buffer for filling.
func (c *Component) FillThisBuffer(buf *hwbuf.Buffer) error {
	return c.enqueue(buf)
}

// EmptyThisBuffer queues an input buffer for consumption.
func (c *Component) EmptyThisBuffer(buf *hwbuf.Buffer) error {
	return c.enqueue(buf)
}

func (c *Component) enqueue(buf *hwbuf.Buffer) error {
	if c.rejecting.Load() {
		return ErrRejecting
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.work <- buf:
		return nil
	default:
		return ErrBusy
	}
}

// SetRejecting makes the component refuse (or accept again) submitted buffers.
func (c *Component) SetRejecting(on bool) {
	c.rejecting.Store(on)
	c.logger.Info("reject mode changed", zap.Bool("rejecting", on))
}

// Stats returns processing counters.
func (c *Component) Stats() Stats {
	return Stats{
		Filled:        c.filled.Load(),
		Emptied:       c.emptied.Load(),
		BytesConsumed: c.consumed.Load(),
		Flushed:       c.flushed.Load(),
	}
}

// Close stops the worker. Buffers still queued are returned unprocessed.
func (c *Component) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.wg.Wait()
		c.flush()
	})
	return nil
}

func (c *Component) flush() {
	if c.held != nil {
		c.flushOne(c.held)
		c.held = nil
	}
	for {
		select {
		case buf := <-c.work:
			c.flushOne(buf)
		default:
			return
		}
	}
}

func (c *Component) flushOne(buf *hwbuf.Buffer) {
	if buf.Port() != nil && buf.Port().Direction() == hwbuf.DirOutput {
		buf.FilledLen = 0
		buf.Offset = 0
	}
	c.flushed.Add(1)
	c.port.BufferDone(buf)
}

func (c *Component) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.work:
			if c.delay > 0 {
				t := time.NewTimer(c.delay)
				select {
				case <-t.C:
				case <-c.done:
					t.Stop()
					c.held = buf
					return
				}
			}
			c.process(buf)
		}
	}
}

func (c *Component) process(buf *hwbuf.Buffer) {
	if buf.Port() != nil && buf.Port().Direction() == hwbuf.DirInput {
		c.consumed.Add(uint64(buf.FilledLen))
		c.emptied.Add(1)
		c.port.BufferDone(buf)
		return
	}

	n := c.frame
	if n <= 0 || n > buf.AllocLen {
		n = buf.AllocLen
	}
	fill := byte(c.seq.Add(1))
	for i := range buf.Data[:n] {
		buf.Data[i] = fill
	}
	if err := buf.SetFilled(0, n); err != nil {
		c.logger.Error("set filled length failed", zap.Int("index", buf.Index()), zap.Error(err))
	}
	c.filled.Add(1)
	c.logger.Debug("buffer filled", zap.Int("index", buf.Index()), zap.Int("bytes", n))
	c.port.BufferDone(buf)
}

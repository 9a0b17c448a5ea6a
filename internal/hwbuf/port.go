package hwbuf

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/media"
)

// DefaultAlignment is the buffer alignment used when a definition leaves it unset.
const DefaultAlignment = 128

// Direction is the data direction of a port as seen from the component.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirOutput {
		return "output"
	}
	return "input"
}

// Domain is the kind of data a port carries.
type Domain int

const (
	DomainVideo Domain = iota
	DomainImage
	DomainAudio
	DomainOther
)

// Compression is the coding of a video port. CompressionUnused means raw frames.
type Compression int

const (
	CompressionUnused Compression = iota
	CompressionAVC
	CompressionHEVC
	CompressionMJPEG
)

// VideoDefinition is the video part of a port definition.
type VideoDefinition struct {
	Width       int
	Height      int
	Stride      int
	SliceHeight int
	Compression Compression
	Format      media.VideoFormat
}

// Definition describes the buffers a port exchanges with its component.
type Definition struct {
	Direction         Direction
	BufferCountActual int
	BufferCountMin    int
	BufferSize        int
	BufferAlignment   int
	Domain            Domain
	Video             VideoDefinition
}

// Heap reserves physically contiguous blocks.
type Heap interface {
	Alloc(size, align int) ([]byte, error)
	Free(block []byte) error
}

// Component is the hardware codec endpoint a port is attached to. Both calls hand the
// buffer over asynchronously; completion is signalled through Port.BufferDone.
type Component interface {
	FillThisBuffer(buf *Buffer) error
	EmptyThisBuffer(buf *Buffer) error
}

// Port owns the buffers exchanged with a component.
type Port struct {
	logger *zap.Logger

	mu        sync.Mutex
	def       Definition
	cookie    uint32
	buffers   []*Buffer
	heap      Heap
	component Component
	onDone    func(*Buffer)
}

// NewPort creates a port without buffers.
func NewPort(def Definition, logger *zap.Logger) *Port {
	if logger == nil {
		logger = zap.NewNop()
	}
	if def.BufferAlignment <= 0 {
		def.BufferAlignment = DefaultAlignment
	}
	return &Port{
		logger: logger.Named("port").With(zap.Stringer("dir", def.Direction)),
		def:    def,
	}
}

// Definition returns a copy of the port definition.
func (p *Port) Definition() Definition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.def
}

// SetDefinition replaces the definition of an empty port.
func (p *Port) SetDefinition(def Definition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) > 0 {
		return ErrPortAllocated
	}
	if def.BufferAlignment <= 0 {
		def.BufferAlignment = DefaultAlignment
	}
	p.def = def
	return nil
}

// Direction returns the port direction.
func (p *Port) Direction() Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.def.Direction
}

// IsRawVideo reports whether the port carries uncompressed video frames.
func (p *Port) IsRawVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.def.Domain == DomainVideo && p.def.Video.Compression == CompressionUnused
}

// SettingsCookie returns the current settings generation.
func (p *Port) SettingsCookie() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookie
}

// Allocate reserves count buffers of size bytes from heap. On failure nothing stays
// allocated.
func (p *Port) Allocate(heap Heap, count, size int) error {
	if heap == nil || count <= 0 || size <= 0 {
		return fmt.Errorf("%w: count %d size %d", ErrInvalidArgument, count, size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) > 0 {
		return ErrPortAllocated
	}

	cookie := p.cookie + 1
	buffers := make([]*Buffer, 0, count)
	for i := 0; i < count; i++ {
		block, err := heap.Alloc(size, p.def.BufferAlignment)
		if err != nil {
			for _, b := range buffers {
				if ferr := heap.Free(b.Data); ferr != nil {
					p.logger.Error("free after failed allocation", zap.Int("index", b.index), zap.Error(ferr))
				}
			}
			return fmt.Errorf("%w: buffer %d of %d: %w", ErrAllocation, i, count, err)
		}
		buffers = append(buffers, &Buffer{
			Header: Header{Data: block, AllocLen: size},
			port:   p,
			index:  i,
			cookie: cookie,
		})
	}

	p.buffers = buffers
	p.heap = heap
	p.cookie = cookie
	p.def.BufferCountActual = count
	p.def.BufferSize = size
	p.logger.Info("port buffers allocated",
		zap.Int("count", count),
		zap.Int("size", size),
		zap.Uint32("cookie", cookie))
	return nil
}

// FreeAll releases every buffer. If the hardware holds any of them nothing is freed.
func (p *Port) FreeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) == 0 {
		return nil
	}

	var busy []error
	for _, b := range p.buffers {
		if b.InUse() {
			busy = append(busy, fmt.Errorf("%w: buffer %d", ErrBufferInUse, b.index))
		}
	}
	if len(busy) > 0 {
		err := errors.Join(busy...)
		p.logger.Error("refusing to free buffers held by hardware", zap.Error(err))
		return err
	}

	var errs []error
	for _, b := range p.buffers {
		if err := p.heap.Free(b.Data); err != nil {
			errs = append(errs, fmt.Errorf("free buffer %d: %w", b.index, err))
		}
		b.Data = nil
		b.port = nil
	}
	p.logger.Info("port buffers freed", zap.Int("count", len(p.buffers)))
	p.buffers = nil
	p.heap = nil
	return errors.Join(errs...)
}

// Len returns the number of allocated buffers.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Buffer returns the buffer at index i.
func (p *Port) Buffer(i int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.buffers) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidArgument, i, len(p.buffers))
	}
	return p.buffers[i], nil
}

// Buffers returns the allocated buffers in index order.
func (p *Port) Buffers() []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Buffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// InUseIndexes lists the buffers currently held by the hardware.
func (p *Port) InUseIndexes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, b := range p.buffers {
		if b.InUse() {
			out = append(out, b.index)
		}
	}
	return out
}

// SetComponent binds the component buffers are submitted to. nil unbinds.
func (p *Port) SetComponent(c Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.component = c
}

// Component returns the bound component, or nil.
func (p *Port) Component() Component {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.component
}

// SetCompletionHandler registers the function BufferDone forwards completions to.
func (p *Port) SetCompletionHandler(h func(*Buffer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDone = h
}

// Submit hands buf to the component: filled for output ports, consumed for input ports.
func (p *Port) Submit(buf *Buffer) error {
	p.mu.Lock()
	c := p.component
	dir := p.def.Direction
	p.mu.Unlock()

	if buf.port != p {
		return ErrForeignBuffer
	}
	if c == nil {
		return ErrNoComponent
	}
	if !buf.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: buffer %d", ErrBufferInUse, buf.index)
	}

	var err error
	if dir == DirOutput {
		buf.FilledLen = 0
		buf.Offset = 0
		err = c.FillThisBuffer(buf)
	} else {
		err = c.EmptyThisBuffer(buf)
	}
	if err != nil {
		buf.inUse.Store(false)
		return fmt.Errorf("%w: buffer %d: %w", ErrHardwareRejected, buf.index, err)
	}
	p.logger.Debug("buffer submitted", zap.Int("index", buf.index))
	return nil
}

// BufferDone is called by the component when it is finished with buf.
func (p *Port) BufferDone(buf *Buffer) {
	buf.inUse.Store(false)

	p.mu.Lock()
	h := p.onDone
	p.mu.Unlock()

	p.logger.Debug("buffer done",
		zap.Int("index", buf.index),
		zap.Int("filled", buf.FilledLen),
		zap.Int("offset", buf.Offset))
	if h != nil {
		h(buf)
	}
}

// Package allocator exposes hardware buffers as generic media memories.
package allocator

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/media"
)

// MemType is the MemType of wrapped hardware memories.
const MemType = "hwbuffer"

// Memory is a media.Memory viewing the payload of a hardware buffer. It never owns
// the hardware buffer and can never be shared.
type Memory struct {
	media.MemoryHeader
	buf *hwbuf.Buffer
}

// MemType implements media.Memory.
func (m *Memory) MemType() string { return MemType }

// HardwareBuffer returns the wrapped buffer, or nil once the memory was freed.
func (m *Memory) HardwareBuffer() *hwbuf.Buffer { return m.buf }

// Map returns the visible window of the hardware buffer without copying.
func (m *Memory) Map(_ media.MapFlags) ([]byte, error) {
	if m.buf == nil || m.buf.Data == nil {
		return nil, media.ErrMemoryFreed
	}
	return m.buf.Data[m.Offset() : m.Offset()+m.Size()], nil
}

// Unmap implements media.Memory.
func (m *Memory) Unmap() {}

// SetFlags implements media.Memory. The no-share flag cannot be cleared.
func (m *Memory) SetFlags(flags media.MemoryFlags) {
	m.MemoryHeader.SetFlags(flags | media.MemoryFlagNoShare)
}

// Share always fails.
func (m *Memory) Share(int, int) (media.Memory, error) {
	return nil, media.ErrNoShare
}

// Free drops the wrapper. The hardware buffer stays with its port.
func (m *Memory) Free() {
	m.buf = nil
}

// FromMemory returns mem as a hardware memory when it is one.
func FromMemory(mem media.Memory) (*Memory, bool) {
	m, ok := mem.(*Memory)
	return m, ok
}

// Allocator wraps hardware buffers into memories and keeps count of live wrappers.
type Allocator struct {
	logger *zap.Logger
	live   atomic.Int64
}

// New creates an allocator.
func New(logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{logger: logger.Named("allocator")}
}

// Wrap creates a memory covering the whole allocation of buf.
func (a *Allocator) Wrap(buf *hwbuf.Buffer) *Memory {
	align := hwbuf.DefaultAlignment
	if p := buf.Port(); p != nil {
		align = p.Definition().BufferAlignment
	}
	a.live.Add(1)
	a.logger.Debug("wrap", zap.Int("index", buf.Index()), zap.Int("size", buf.AllocLen))
	return &Memory{
		MemoryHeader: media.NewMemoryHeader(media.MemoryFlagNoShare, buf.AllocLen, align-1, 0, buf.AllocLen),
		buf:          buf,
	}
}

// Free releases a memory produced by Wrap.
func (a *Allocator) Free(m *Memory) {
	if m.buf == nil {
		return
	}
	a.live.Add(-1)
	a.logger.Debug("free", zap.Int("index", m.buf.Index()))
	m.Free()
}

// Live returns the number of wrappers not yet freed.
func (a *Allocator) Live() int64 {
	return a.live.Load()
}

// Package hwbuf models the fixed ring of physically allocated frame buffers owned by a
// hardware component port.
package hwbuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAllocation is returned when the port cannot reserve its buffers.
	ErrAllocation = errors.New("hardware buffer allocation failed")
	// ErrBufferInUse is returned when freeing buffers the hardware still holds.
	ErrBufferInUse = errors.New("hardware buffer in use")
	// ErrHardwareRejected is returned when the component refuses a buffer.
	ErrHardwareRejected = errors.New("hardware rejected buffer")
	// ErrNoComponent is returned when submitting on a port without a component.
	ErrNoComponent = errors.New("port has no component")
	// ErrPortAllocated is returned when allocating or redefining a populated port.
	ErrPortAllocated = errors.New("port buffers already allocated")
	// ErrInvalidArgument is returned for non-positive counts or sizes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrForeignBuffer is returned for buffers owned by another port.
	ErrForeignBuffer = errors.New("buffer does not belong to this port")
	// ErrInvalidFill is returned when a fill range exceeds the allocation.
	ErrInvalidFill = errors.New("filled range exceeds allocation")
)

// Header is the descriptor shared with the hardware component.
type Header struct {
	Data      []byte
	AllocLen  int
	FilledLen int
	Offset    int
	Flags     uint32
}

// Buffer is one physically allocated block of a Port.
type Buffer struct {
	Header

	port   *Port
	index  int
	cookie uint32
	inUse  atomic.Bool
}

// Index returns the position of the buffer in its port.
func (b *Buffer) Index() int {
	return b.index
}

// Port returns the owning port, or nil once the buffer was freed.
func (b *Buffer) Port() *Port {
	return b.port
}

// SettingsCookie returns the port settings generation the buffer was allocated for.
func (b *Buffer) SettingsCookie() uint32 {
	return b.cookie
}

// InUse reports whether the hardware component currently holds the buffer.
func (b *Buffer) InUse() bool {
	return b.inUse.Load()
}

// SetFilled records the valid payload range written by the component.
func (b *Buffer) SetFilled(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > b.AllocLen {
		return fmt.Errorf("%w: offset %d length %d alloc %d", ErrInvalidFill, offset, length, b.AllocLen)
	}
	b.Offset = offset
	b.FilledLen = length
	return nil
}

// Payload returns the filled range of the buffer.
func (b *Buffer) Payload() []byte {
	if b.Data == nil {
		return nil
	}
	return b.Data[b.Offset : b.Offset+b.FilledLen]
}

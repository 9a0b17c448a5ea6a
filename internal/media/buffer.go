// Package media provides the generic buffer, memory, caps and pool contracts shared by
// every pipeline stage.
package media

import (
	"errors"
	"fmt"
)

var (
	// ErrNoShare is returned when sharing a memory that carries MemoryFlagNoShare.
	ErrNoShare = errors.New("memory cannot be shared")
	// ErrInvalidRange is returned when an offset/size pair falls outside a memory.
	ErrInvalidRange = errors.New("invalid memory range")
	// ErrMemoryFreed is returned when mapping a memory that was already freed.
	ErrMemoryFreed = errors.New("memory already freed")
	// ErrNoMemory is returned when mapping a buffer without memories.
	ErrNoMemory = errors.New("buffer has no memory")
)

// MemoryFlags describe how a memory may be used.
type MemoryFlags uint32

const (
	// MemoryFlagReadonly marks memory that must only be mapped for reading.
	MemoryFlagReadonly MemoryFlags = 1 << iota
	// MemoryFlagNoShare forbids sub-ranging or aliasing the memory.
	MemoryFlagNoShare
)

// MapFlags select the access mode of a mapping.
type MapFlags uint32

const (
	// MapRead maps memory for reading.
	MapRead MapFlags = 1 << iota
	// MapWrite maps memory for writing.
	MapWrite
)

// Memory is a mappable region backing a Buffer.
type Memory interface {
	// MemType names the allocator that produced the memory.
	MemType() string
	// Map returns the visible bytes of the memory. No data is copied.
	Map(flags MapFlags) ([]byte, error)
	// Unmap ends a mapping started with Map.
	Unmap()
	Size() int
	Offset() int
	MaxSize() int
	Align() int
	// Resize changes the visible window of the memory.
	Resize(offset, size int) error
	Flags() MemoryFlags
	SetFlags(flags MemoryFlags)
	// Share returns a new memory aliasing a sub-range of this one.
	Share(offset, size int) (Memory, error)
	// Free releases the memory object.
	Free()
}

// MemoryHeader holds the bookkeeping common to all Memory implementations.
type MemoryHeader struct {
	flags   MemoryFlags
	maxSize int
	align   int
	offset  int
	size    int
}

// NewMemoryHeader builds a header for a memory of maxSize bytes.
func NewMemoryHeader(flags MemoryFlags, maxSize, align, offset, size int) MemoryHeader {
	return MemoryHeader{
		flags:   flags,
		maxSize: maxSize,
		align:   align,
		offset:  offset,
		size:    size,
	}
}

// Size returns the visible size in bytes.
func (h *MemoryHeader) Size() int { return h.size }

// Offset returns the start of the visible window.
func (h *MemoryHeader) Offset() int { return h.offset }

// MaxSize returns the capacity of the backing storage.
func (h *MemoryHeader) MaxSize() int { return h.maxSize }

// Align returns the alignment mask of the backing storage.
func (h *MemoryHeader) Align() int { return h.align }

// Flags returns the memory flags.
func (h *MemoryHeader) Flags() MemoryFlags { return h.flags }

// SetFlags replaces the memory flags.
func (h *MemoryHeader) SetFlags(flags MemoryFlags) { h.flags = flags }

// Resize moves the visible window to [offset, offset+size).
func (h *MemoryHeader) Resize(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > h.maxSize {
		return fmt.Errorf("%w: offset %d size %d max %d", ErrInvalidRange, offset, size, h.maxSize)
	}
	h.offset = offset
	h.size = size
	return nil
}

// Owner receives buffers handed back by their holder.
type Owner interface {
	Release(buf *Buffer) error
}

// Buffer is a generic media buffer made of one or more memories.
type Buffer struct {
	mems  []Memory
	owner Owner
	meta  *VideoMeta
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewBufferWithMemory creates a buffer holding a single memory.
func NewBufferWithMemory(mem Memory) *Buffer {
	return &Buffer{mems: []Memory{mem}}
}

// AppendMemory adds mem at the end of the buffer.
func (b *Buffer) AppendMemory(mem Memory) {
	b.mems = append(b.mems, mem)
}

// NMemory returns the number of memories.
func (b *Buffer) NMemory() int {
	return len(b.mems)
}

// PeekMemory returns the memory at index i without transferring it.
func (b *Buffer) PeekMemory(i int) Memory {
	if i < 0 || i >= len(b.mems) {
		return nil
	}
	return b.mems[i]
}

// Size returns the sum of the visible sizes of all memories.
func (b *Buffer) Size() int {
	total := 0
	for _, m := range b.mems {
		total += m.Size()
	}
	return total
}

// Map maps the first memory of the buffer.
func (b *Buffer) Map(flags MapFlags) ([]byte, error) {
	if len(b.mems) == 0 {
		return nil, ErrNoMemory
	}
	return b.mems[0].Map(flags)
}

// Unmap ends a mapping started with Map.
func (b *Buffer) Unmap() {
	if len(b.mems) > 0 {
		b.mems[0].Unmap()
	}
}

// Owner returns the pool the buffer returns to on Release, or nil.
func (b *Buffer) Owner() Owner {
	return b.owner
}

// SetOwner changes the pool the buffer returns to on Release.
func (b *Buffer) SetOwner(owner Owner) {
	b.owner = owner
}

// VideoMeta returns the attached video metadata, or nil.
func (b *Buffer) VideoMeta() *VideoMeta {
	return b.meta
}

// AddVideoMeta attaches meta to the buffer, replacing any previous one.
func (b *Buffer) AddVideoMeta(meta VideoMeta) *VideoMeta {
	m := meta
	b.meta = &m
	return b.meta
}

// RemoveVideoMeta drops the attached video metadata.
func (b *Buffer) RemoveVideoMeta() {
	b.meta = nil
}

// Release hands the buffer back to its owner. Buffers without an owner free their
// memories.
func (b *Buffer) Release() error {
	if b.owner != nil {
		return b.owner.Release(b)
	}
	b.FreeMemories()
	return nil
}

// FreeMemories frees and detaches every memory of the buffer.
func (b *Buffer) FreeMemories() {
	for _, m := range b.mems {
		m.Free()
	}
	b.mems = nil
}

package media

// SystemMemoryType is the MemType of heap-backed memories.
const SystemMemoryType = "system"

// SystemMemory is a Go heap-backed Memory.
type SystemMemory struct {
	MemoryHeader
	data []byte
}

// NewSystemMemory allocates size bytes on the Go heap.
func NewSystemMemory(size int) *SystemMemory {
	return &SystemMemory{
		MemoryHeader: NewMemoryHeader(0, size, 0, 0, size),
		data:         make([]byte, size),
	}
}

// MemType implements Memory.
func (m *SystemMemory) MemType() string { return SystemMemoryType }

// Map implements Memory.
func (m *SystemMemory) Map(_ MapFlags) ([]byte, error) {
	if m.data == nil {
		return nil, ErrMemoryFreed
	}
	return m.data[m.offset : m.offset+m.size], nil
}

// Unmap implements Memory.
func (m *SystemMemory) Unmap() {}

// Share implements Memory. The new memory aliases the same backing array.
func (m *SystemMemory) Share(offset, size int) (Memory, error) {
	if m.flags&MemoryFlagNoShare != 0 {
		return nil, ErrNoShare
	}
	if size < 0 {
		size = m.size - offset
	}
	start := m.offset + offset
	if offset < 0 || size < 0 || start+size > m.maxSize {
		return nil, ErrInvalidRange
	}
	return &SystemMemory{
		MemoryHeader: NewMemoryHeader(m.flags|MemoryFlagReadonly, m.maxSize, m.align, start, size),
		data:         m.data,
	}, nil
}

// Free implements Memory.
func (m *SystemMemory) Free() {
	m.data = nil
}

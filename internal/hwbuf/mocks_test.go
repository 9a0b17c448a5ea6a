package hwbuf

import (
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"
)

var errHeapFull = errors.New("heap full")

// fakeHeap hands out Go heap blocks and can be told to fail after a number of allocations.
type fakeHeap struct {
	mu        sync.Mutex
	failAfter int
	live      map[*byte]int
	allocs    int
	frees     int
}

func newFakeHeap() *fakeHeap {
	return &fakeHeap{failAfter: -1, live: make(map[*byte]int)}
}

func (h *fakeHeap) Alloc(size, _ int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAfter >= 0 && h.allocs >= h.failAfter {
		return nil, errHeapFull
	}
	h.allocs++
	block := make([]byte, size)
	h.live[&block[0]] = size
	return block, nil
}

func (h *fakeHeap) Free(block []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[&block[0]]; !ok {
		return errors.New("unknown block")
	}
	delete(h.live, &block[0])
	h.frees++
	return nil
}

func (h *fakeHeap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// MockComponent is a mock implementation of Component.
type MockComponent struct {
	mock.Mock
}

func (m *MockComponent) FillThisBuffer(buf *Buffer) error {
	args := m.Called(buf)
	return args.Error(0)
}

func (m *MockComponent) EmptyThisBuffer(buf *Buffer) error {
	args := m.Called(buf)
	return args.Error(0)
}

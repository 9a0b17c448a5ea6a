package hwbuf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func outputPort(t *testing.T) *Port {
	t.Helper()
	return NewPort(Definition{
		Direction:      DirOutput,
		BufferCountMin: 3,
		Domain:         DomainVideo,
		Video:          VideoDefinition{Width: 64, Height: 64, Stride: 64, SliceHeight: 64},
	}, zaptest.NewLogger(t))
}

func TestAllocateFreeAllRoundTrip(t *testing.T) {
	for _, count := range []int{1, 2, 3, 8, 16} {
		for _, size := range []int{1, 4096, 6144, 460800} {
			t.Run(fmt.Sprintf("%dx%d", count, size), func(t *testing.T) {
				heap := newFakeHeap()
				p := outputPort(t)

				require.NoError(t, p.Allocate(heap, count, size))
				assert.Equal(t, count, p.Len())
				def := p.Definition()
				assert.Equal(t, count, def.BufferCountActual)
				assert.Equal(t, size, def.BufferSize)
				for i, b := range p.Buffers() {
					assert.Equal(t, i, b.Index())
					assert.Equal(t, size, b.AllocLen)
					assert.Len(t, b.Data, size)
					assert.Same(t, p, b.Port())
				}

				require.NoError(t, p.FreeAll())
				assert.Equal(t, 0, p.Len())
				assert.Equal(t, 0, heap.Live())
			})
		}
	}
}

func TestAllocateDefaults(t *testing.T) {
	p := outputPort(t)
	assert.Equal(t, DefaultAlignment, p.Definition().BufferAlignment)
	assert.True(t, p.IsRawVideo())
	assert.Equal(t, DirOutput, p.Direction())

	assert.ErrorIs(t, p.Allocate(newFakeHeap(), 0, 16), ErrInvalidArgument)
	assert.ErrorIs(t, p.Allocate(newFakeHeap(), 2, 0), ErrInvalidArgument)
	assert.ErrorIs(t, p.Allocate(nil, 2, 16), ErrInvalidArgument)
}

func TestAllocateFailureUnwinds(t *testing.T) {
	heap := newFakeHeap()
	heap.failAfter = 2
	p := outputPort(t)

	err := p.Allocate(heap, 3, 1024)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.ErrorIs(t, err, errHeapFull)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, heap.Live())
	assert.Equal(t, 2, heap.frees)
	assert.Equal(t, uint32(0), p.SettingsCookie())
}

func TestAllocateBumpsCookie(t *testing.T) {
	heap := newFakeHeap()
	p := outputPort(t)

	require.NoError(t, p.Allocate(heap, 2, 64))
	first := p.SettingsCookie()
	assert.ErrorIs(t, p.Allocate(heap, 2, 64), ErrPortAllocated)
	assert.ErrorIs(t, p.SetDefinition(Definition{}), ErrPortAllocated)

	require.NoError(t, p.FreeAll())
	require.NoError(t, p.Allocate(heap, 2, 64))
	assert.Greater(t, p.SettingsCookie(), first)
	b, err := p.Buffer(1)
	require.NoError(t, err)
	assert.Equal(t, p.SettingsCookie(), b.SettingsCookie())

	_, err = p.Buffer(2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFreeAllRefusesBuffersInUse(t *testing.T) {
	heap := newFakeHeap()
	p := outputPort(t)
	comp := new(MockComponent)
	comp.On("FillThisBuffer", mock.Anything).Return(nil)
	p.SetComponent(comp)
	require.NoError(t, p.Allocate(heap, 3, 128))

	bufs := p.Buffers()
	require.NoError(t, p.Submit(bufs[0]))
	require.NoError(t, p.Submit(bufs[2]))
	assert.Equal(t, []int{0, 2}, p.InUseIndexes())

	err := p.FreeAll()
	assert.ErrorIs(t, err, ErrBufferInUse)
	assert.Contains(t, err.Error(), "buffer 0")
	assert.Contains(t, err.Error(), "buffer 2")
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 3, heap.Live())

	p.BufferDone(bufs[0])
	p.BufferDone(bufs[2])
	require.NoError(t, p.FreeAll())
	assert.Equal(t, 0, heap.Live())
	require.NoError(t, p.FreeAll())
}

func TestSubmitAndBufferDone(t *testing.T) {
	p := outputPort(t)
	require.NoError(t, p.Allocate(newFakeHeap(), 2, 256))
	buf, _ := p.Buffer(1)

	assert.ErrorIs(t, p.Submit(buf), ErrNoComponent)

	comp := new(MockComponent)
	comp.On("FillThisBuffer", buf).Return(nil).Once()
	p.SetComponent(comp)

	var done []*Buffer
	p.SetCompletionHandler(func(b *Buffer) {
		assert.False(t, b.InUse())
		done = append(done, b)
	})

	buf.FilledLen = 99
	require.NoError(t, p.Submit(buf))
	assert.True(t, buf.InUse())
	assert.Equal(t, 0, buf.FilledLen)
	assert.ErrorIs(t, p.Submit(buf), ErrBufferInUse)

	require.NoError(t, buf.SetFilled(16, 100))
	p.BufferDone(buf)
	assert.False(t, buf.InUse())
	assert.Equal(t, []*Buffer{buf}, done)
	assert.Len(t, buf.Payload(), 100)
	comp.AssertExpectations(t)
}

func TestSubmitRejected(t *testing.T) {
	p := NewPort(Definition{Direction: DirInput}, zaptest.NewLogger(t))
	require.NoError(t, p.Allocate(newFakeHeap(), 1, 32))
	buf, _ := p.Buffer(0)

	busy := errors.New("component busy")
	comp := new(MockComponent)
	comp.On("EmptyThisBuffer", buf).Return(busy)
	p.SetComponent(comp)

	err := p.Submit(buf)
	assert.ErrorIs(t, err, ErrHardwareRejected)
	assert.ErrorIs(t, err, busy)
	assert.False(t, buf.InUse())
	comp.AssertNotCalled(t, "FillThisBuffer", mock.Anything)
}

func TestSubmitForeignBuffer(t *testing.T) {
	a := outputPort(t)
	b := outputPort(t)
	require.NoError(t, a.Allocate(newFakeHeap(), 1, 32))
	buf, _ := a.Buffer(0)
	b.SetComponent(new(MockComponent))
	assert.ErrorIs(t, b.Submit(buf), ErrForeignBuffer)
}

func TestSetFilledBounds(t *testing.T) {
	b := &Buffer{Header: Header{Data: make([]byte, 64), AllocLen: 64}}
	assert.ErrorIs(t, b.SetFilled(32, 33), ErrInvalidFill)
	assert.ErrorIs(t, b.SetFilled(-1, 1), ErrInvalidFill)
	require.NoError(t, b.SetFilled(32, 32))
	assert.Equal(t, 32, b.Offset)
}

package hwsim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/hwpool"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/memory"
)

func newPort(t *testing.T, dir hwbuf.Direction, count, size int) *hwbuf.Port {
	t.Helper()
	region, err := memory.NewRegion(memory.RegionConfig{Name: "hwsim", Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	port := hwbuf.NewPort(hwbuf.Definition{
		Direction: dir,
		Domain:    hwbuf.DomainVideo,
		Video: hwbuf.VideoDefinition{
			Width: 32, Height: 32, Stride: 32, SliceHeight: 32,
			Format: media.VideoFormatI420,
		},
	}, zaptest.NewLogger(t))
	require.NoError(t, port.Allocate(region, count, size))
	return port
}

func waitIdle(t *testing.T, port *hwbuf.Port) {
	t.Helper()
	require.Eventually(t, func() bool { return len(port.InUseIndexes()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFillsOutputBuffers(t *testing.T) {
	port := newPort(t, hwbuf.DirOutput, 2, 1536)
	c := New(port, Config{FrameSize: 1000, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = c.Close() })

	var returned []int
	done := make(chan struct{}, 2)
	port.SetCompletionHandler(func(b *hwbuf.Buffer) {
		returned = append(returned, b.Index())
		done <- struct{}{}
	})
	port.SetComponent(c)

	for i := 0; i < 2; i++ {
		b, err := port.Buffer(i)
		require.NoError(t, err)
		require.NoError(t, port.Submit(b))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("buffer not completed")
		}
	}
	assert.Equal(t, []int{0, 1}, returned)

	b, _ := port.Buffer(1)
	assert.Equal(t, 1000, b.FilledLen)
	assert.Equal(t, 0, b.Offset)
	assert.Equal(t, byte(2), b.Payload()[999])
	assert.Equal(t, uint64(2), c.Stats().Filled)
}

func TestConsumesInputBuffers(t *testing.T) {
	port := newPort(t, hwbuf.DirInput, 1, 1536)
	c := New(port, Config{})
	t.Cleanup(func() { _ = c.Close() })
	port.SetComponent(c)

	b, _ := port.Buffer(0)
	require.NoError(t, b.SetFilled(0, 700))
	require.NoError(t, port.Submit(b))
	waitIdle(t, port)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Emptied)
	assert.Equal(t, uint64(700), stats.BytesConsumed)
}

func TestRejectMode(t *testing.T) {
	port := newPort(t, hwbuf.DirOutput, 1, 1536)
	c := New(port, Config{})
	t.Cleanup(func() { _ = c.Close() })
	port.SetComponent(c)

	c.SetRejecting(true)
	b, _ := port.Buffer(0)
	err := port.Submit(b)
	assert.ErrorIs(t, err, hwbuf.ErrHardwareRejected)
	assert.ErrorIs(t, err, ErrRejecting)
	assert.False(t, b.InUse())

	c.SetRejecting(false)
	require.NoError(t, port.Submit(b))
	waitIdle(t, port)
}

func TestCloseFlushesPendingBuffers(t *testing.T) {
	port := newPort(t, hwbuf.DirOutput, 3, 1536)
	c := New(port, Config{FillDelay: time.Hour})
	port.SetComponent(c)

	for _, b := range port.Buffers() {
		require.NoError(t, port.Submit(b))
	}
	assert.Len(t, port.InUseIndexes(), 3)

	require.NoError(t, c.Close())
	assert.Empty(t, port.InUseIndexes())
	assert.Equal(t, uint64(3), c.Stats().Flushed)
	assert.NoError(t, port.FreeAll())

	assert.ErrorIs(t, c.EmptyThisBuffer(nil), ErrClosed)
	require.NoError(t, c.Close())
}

func TestBusyWhenQueueFull(t *testing.T) {
	port := newPort(t, hwbuf.DirOutput, 3, 1536)
	c := New(port, Config{FillDelay: time.Hour, QueueDepth: 1})
	t.Cleanup(func() { _ = c.Close() })
	port.SetComponent(c)

	bufs := port.Buffers()
	require.NoError(t, port.Submit(bufs[0]))
	// The worker may already hold bufs[0]; one more fits in the queue.
	require.Eventually(t, func() bool {
		return c.FillThisBuffer(bufs[1]) == nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.FillThisBuffer(bufs[2]), ErrBusy)
}

func TestAttachedPoolCycle(t *testing.T) {
	port := newPort(t, hwbuf.DirOutput, 3, 1536)
	c := New(port, Config{FillDelay: time.Millisecond, FrameSize: 1536, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = c.Close() })

	p := hwpool.New(port, hwpool.WithComponent(c), hwpool.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, p.SetConfig(media.PoolConfig{
		Caps:       media.MustParseCaps("video/x-raw, format=I420, width=32, height=32"),
		Size:       1536,
		MinBuffers: 3,
		MaxBuffers: 3,
	}))
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			obj, err := p.Acquire(ctx, nil)
			require.NoError(t, err)
			if round > 0 {
				assert.Equal(t, 1536, obj.Size())
				data, err := obj.Map(media.MapRead)
				require.NoError(t, err)
				assert.NotZero(t, data[0])
				obj.Unmap()
			}
			require.NoError(t, obj.Release())
		}
	}

	require.Eventually(t, func() bool { return c.Stats().Filled == 15 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close())
	require.NoError(t, c.Close())
	require.NoError(t, port.FreeAll())
}

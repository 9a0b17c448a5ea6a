package media

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	// ErrQueueClosed is returned by a closed WaitQueue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned when pushing past the queue capacity.
	ErrQueueFull = errors.New("queue full")
)

// WaitQueue is a bounded FIFO of buffers with blocking pops. It does not own a lock:
// every method must be called with the locker passed to NewWaitQueue held.
type WaitQueue struct {
	mu       sync.Locker
	cond     *sync.Cond
	items    *queue.Queue
	capacity int
	closed   bool
}

// NewWaitQueue creates a queue guarded by mu. A capacity <= 0 means unbounded.
func NewWaitQueue(mu sync.Locker, capacity int) *WaitQueue {
	return &WaitQueue{
		mu:       mu,
		cond:     sync.NewCond(mu),
		items:    queue.New(),
		capacity: capacity,
	}
}

// Push appends buf and wakes the waiters.
func (w *WaitQueue) Push(buf *Buffer) error {
	if w.closed {
		return ErrQueueClosed
	}
	if w.capacity > 0 && w.items.Length() >= w.capacity {
		return ErrQueueFull
	}
	w.items.Add(buf)
	w.cond.Broadcast()
	return nil
}

// TryPop removes the head of the queue without blocking.
func (w *WaitQueue) TryPop() (*Buffer, bool) {
	if w.items.Length() == 0 {
		return nil, false
	}
	return w.items.Remove().(*Buffer), true
}

// Wait pops the head of the queue, blocking until a buffer is pushed, the queue is
// closed or ctx is done.
func (w *WaitQueue) Wait(ctx context.Context) (*Buffer, error) {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.cond.Broadcast()
	})
	defer stop()

	for {
		if buf, ok := w.TryPop(); ok {
			return buf, nil
		}
		if w.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.cond.Wait()
	}
}

// Contains reports whether buf is queued.
func (w *WaitQueue) Contains(buf *Buffer) bool {
	for i := 0; i < w.items.Length(); i++ {
		if w.items.Get(i).(*Buffer) == buf {
			return true
		}
	}
	return false
}

// Len returns the number of queued buffers.
func (w *WaitQueue) Len() int {
	return w.items.Length()
}

// Cap returns the queue capacity, 0 when unbounded.
func (w *WaitQueue) Cap() int {
	return w.capacity
}

// Drain removes and returns every queued buffer.
func (w *WaitQueue) Drain() []*Buffer {
	out := make([]*Buffer, 0, w.items.Length())
	for w.items.Length() > 0 {
		out = append(out, w.items.Remove().(*Buffer))
	}
	return out
}

// Close wakes every waiter with ErrQueueClosed. Queued buffers stay until drained.
func (w *WaitQueue) Close() {
	w.closed = true
	w.cond.Broadcast()
}

// Reopen makes a closed queue usable again.
func (w *WaitQueue) Reopen() {
	w.closed = false
}

// Closed reports whether Close was called.
func (w *WaitQueue) Closed() bool {
	return w.closed
}

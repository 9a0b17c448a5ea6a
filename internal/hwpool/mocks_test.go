package hwpool

import (
	"context"
	"sync"

	"github.com/penguintechinc/hwbufferpool/internal/events"
	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
)

// fakeComponent records submitted buffers. Completion is driven by the test through
// Port.BufferDone.
type fakeComponent struct {
	mu      sync.Mutex
	err     error
	filled  []*hwbuf.Buffer
	emptied []*hwbuf.Buffer
}

func (c *fakeComponent) FillThisBuffer(buf *hwbuf.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.filled = append(c.filled, buf)
	return nil
}

func (c *fakeComponent) EmptyThisBuffer(buf *hwbuf.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.emptied = append(c.emptied, buf)
	return nil
}

func (c *fakeComponent) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeComponent) filledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filled)
}

// syncComponent completes every fill before returning, from the calling goroutine.
type syncComponent struct {
	port *hwbuf.Port
}

func (c *syncComponent) FillThisBuffer(buf *hwbuf.Buffer) error {
	_ = buf.SetFilled(0, buf.AllocLen/2)
	c.port.BufferDone(buf)
	return nil
}

func (c *syncComponent) EmptyThisBuffer(buf *hwbuf.Buffer) error {
	c.port.BufferDone(buf)
	return nil
}

type recordingReporter struct {
	mu  sync.Mutex
	got []events.ElementError
}

func (r *recordingReporter) Report(_ context.Context, e events.ElementError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recordingReporter) errors() []events.ElementError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ElementError(nil), r.got...)
}

package hwpool

import (
	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/media"
)

// Stats is a snapshot of pool activity.
type Stats struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	State           string `json:"state"`
	Mode            string `json:"mode"`
	Direction       string `json:"direction,omitempty"`
	Borrowed        bool   `json:"borrowed"`
	Acquired        uint64 `json:"acquired"`
	Released        uint64 `json:"released"`
	HardwareReturns uint64 `json:"hardware_returns"`
	Rejections      uint64 `json:"rejections"`
	Deferrals       uint64 `json:"deferrals"`
	Outstanding     int    `json:"outstanding"`
	Queued          int    `json:"queued"`
	Materialized    int    `json:"materialized"`
	InHardware      int    `json:"in_hardware"`
	Deferred        int    `json:"deferred"`
	Rejected        int    `json:"rejected"`
	Cursor          int    `json:"cursor"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		ID:              p.id.String(),
		Name:            p.name,
		State:           p.state.String(),
		Mode:            "standalone",
		Borrowed:        p.other != nil,
		Acquired:        p.counters.acquired,
		Released:        p.counters.released,
		HardwareReturns: p.counters.hwReturns,
		Rejections:      p.counters.rejected,
		Deferrals:       p.counters.deferred,
		Outstanding:     len(p.outstanding),
		Queued:          p.queue.Len(),
		Materialized:    len(p.hw),
		InHardware:      len(p.inHardware),
		Deferred:        len(p.deferred),
		Rejected:        len(p.rejected),
		Cursor:          p.cursor,
	}
	if p.attached() {
		s.Mode = "attached"
	}
	if p.port != nil {
		s.Direction = p.port.Direction().String()
	}
	return s
}

// Outstanding returns the number of buffers held by callers.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Cursor returns the first-cycle acquisition cursor.
func (p *Pool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Materialized returns the buffer object of slot index, or nil.
func (p *Pool) Materialized(index int) *media.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.buffers) {
		return nil
	}
	return p.buffers[index]
}

// HardwareBuffer returns the port buffer associated with obj, or nil.
func (p *Pool) HardwareBuffer(obj *media.Buffer) *hwbuf.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hw[obj]
}

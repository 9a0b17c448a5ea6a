// Package memory provides named, physically contiguous memory regions that hardware
// buffers are carved out of.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

var (
	// ErrRegionExhausted is returned when no free span can hold a request.
	ErrRegionExhausted = errors.New("memory region exhausted")
	// ErrInvalidBlock is returned when freeing memory the region did not hand out.
	ErrInvalidBlock = errors.New("invalid block")
	// ErrRegionClosed is returned by a closed region.
	ErrRegionClosed = errors.New("memory region closed")
	// ErrInvalidAlignment is returned for alignments that are not a power of two.
	ErrInvalidAlignment = errors.New("alignment must be a power of two")
	// ErrInvalidSize is returned for non-positive sizes.
	ErrInvalidSize = errors.New("invalid size")
)

// RegionConfig holds configuration for a memory region.
type RegionConfig struct {
	Name         string
	Size         int
	UseHugepages bool
	Lock         bool
	Logger       *zap.Logger
}

// DefaultRegionConfig returns sensible defaults for a region.
func DefaultRegionConfig() RegionConfig {
	return RegionConfig{
		Name: "video",
		Size: 64 << 20,
	}
}

type span struct {
	off  int
	size int
}

// Region is a fixed arena sub-allocated with an aligned first-fit free list.
type Region struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	data   []byte
	base   uintptr
	mapped bool
	free   []span      // sorted by offset, never adjacent
	allocs map[int]int // offset -> size

	used        int
	peak        int
	totalAllocs uint64
	totalFrees  uint64
	failures    uint64
}

// NewRegion maps the arena of a new region.
func NewRegion(cfg RegionConfig) (*Region, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: region size %d", ErrInvalidSize, cfg.Size)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("region").With(zap.String("region", cfg.Name))

	data, mapped, err := mapArena(cfg.Size, cfg.UseHugepages)
	if err != nil {
		return nil, fmt.Errorf("map region %q: %w", cfg.Name, err)
	}
	if mapped && cfg.Lock {
		if err := lockArena(data); err != nil {
			// Pages may still be swapped out; the region stays usable.
			logger.Warn("mlock failed", zap.Error(err))
		}
	}

	r := &Region{
		name:   cfg.Name,
		logger: logger,
		data:   data,
		base:   uintptr(unsafe.Pointer(unsafe.SliceData(data))),
		mapped: mapped,
		free:   []span{{off: 0, size: len(data)}},
		allocs: make(map[int]int),
	}
	logger.Info("region mapped",
		zap.Int("size", len(data)),
		zap.Bool("mmap", mapped),
		zap.Bool("hugepages", cfg.UseHugepages))
	return r, nil
}

// Name returns the region name.
func (r *Region) Name() string {
	return r.name
}

// Alloc reserves size bytes whose address is a multiple of align. The returned slice
// is zeroed and its capacity is limited to size.
func (r *Region) Alloc(size, align int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAlignment, align)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil, ErrRegionClosed
	}

	for i, s := range r.free {
		addr := r.base + uintptr(s.off)
		pad := int((uintptr(align) - addr%uintptr(align)) % uintptr(align))
		if s.size < pad+size {
			continue
		}
		start := s.off + pad
		r.carve(i, s, start, size)
		r.allocs[start] = size
		r.used += size
		if r.used > r.peak {
			r.peak = r.used
		}
		r.totalAllocs++

		block := r.data[start : start+size : start+size]
		clear(block)
		return block, nil
	}

	r.failures++
	return nil, fmt.Errorf("%w: %q cannot fit %d bytes (largest free %d)",
		ErrRegionExhausted, r.name, size, r.largestFreeLocked())
}

// carve removes [start, start+size) from free span i, keeping the leftovers.
func (r *Region) carve(i int, s span, start, size int) {
	var rest []span
	if start > s.off {
		rest = append(rest, span{off: s.off, size: start - s.off})
	}
	if end := start + size; end < s.off+s.size {
		rest = append(rest, span{off: end, size: s.off + s.size - end})
	}
	tail := append(rest, r.free[i+1:]...)
	r.free = append(r.free[:i], tail...)
}

// Free returns a block obtained from Alloc.
func (r *Region) Free(block []byte) error {
	if len(block) == 0 {
		return fmt.Errorf("%w: empty block", ErrInvalidBlock)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return ErrRegionClosed
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(block)))
	if addr < r.base || addr >= r.base+uintptr(len(r.data)) {
		return fmt.Errorf("%w: block outside region %q", ErrInvalidBlock, r.name)
	}
	off := int(addr - r.base)
	size, ok := r.allocs[off]
	if !ok || size != len(block) {
		return fmt.Errorf("%w: no allocation of %d bytes at offset %d", ErrInvalidBlock, len(block), off)
	}
	delete(r.allocs, off)
	r.used -= size
	r.totalFrees++
	r.insertFree(span{off: off, size: size})
	return nil
}

// insertFree adds s to the free list and merges it with its neighbours.
func (r *Region) insertFree(s span) {
	i := sort.Search(len(r.free), func(i int) bool { return r.free[i].off > s.off })
	r.free = append(r.free, span{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = s

	if i+1 < len(r.free) && r.free[i].off+r.free[i].size == r.free[i+1].off {
		r.free[i].size += r.free[i+1].size
		r.free = append(r.free[:i+1], r.free[i+2:]...)
	}
	if i > 0 && r.free[i-1].off+r.free[i-1].size == r.free[i].off {
		r.free[i-1].size += r.free[i].size
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
}

func (r *Region) largestFreeLocked() int {
	largest := 0
	for _, s := range r.free {
		if s.size > largest {
			largest = s.size
		}
	}
	return largest
}

// RegionStats is a snapshot of region usage.
type RegionStats struct {
	Name         string `json:"name"`
	TotalBytes   int    `json:"total_bytes"`
	UsedBytes    int    `json:"used_bytes"`
	FreeBytes    int    `json:"free_bytes"`
	PeakBytes    int    `json:"peak_bytes"`
	LargestFree  int    `json:"largest_free"`
	FreeSpans    int    `json:"free_spans"`
	LiveBlocks   int    `json:"live_blocks"`
	TotalAllocs  uint64 `json:"total_allocs"`
	TotalFrees   uint64 `json:"total_frees"`
	FailedAllocs uint64 `json:"failed_allocs"`
}

// Stats returns current region statistics.
func (r *Region) Stats() RegionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegionStats{
		Name:         r.name,
		TotalBytes:   len(r.data),
		UsedBytes:    r.used,
		FreeBytes:    len(r.data) - r.used,
		PeakBytes:    r.peak,
		LargestFree:  r.largestFreeLocked(),
		FreeSpans:    len(r.free),
		LiveBlocks:   len(r.allocs),
		TotalAllocs:  r.totalAllocs,
		TotalFrees:   r.totalFrees,
		FailedAllocs: r.failures,
	}
}

// Close unmaps the arena. Blocks still allocated become invalid.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return nil
	}
	if len(r.allocs) > 0 {
		r.logger.Warn("closing region with live blocks", zap.Int("blocks", len(r.allocs)))
	}
	var err error
	if r.mapped {
		err = unmapArena(r.data)
	}
	r.data = nil
	r.free = nil
	r.allocs = make(map[int]int)
	return err
}

package media

import (
	"context"
	"slices"
)

// PoolOptionVideoMeta asks a pool to attach VideoMeta to its buffers.
const PoolOptionVideoMeta = "video-meta"

// PoolConfig is the negotiated configuration of a BufferPool.
type PoolConfig struct {
	Caps       *Caps
	Size       int
	MinBuffers int
	MaxBuffers int
	Options    []string
}

// HasOption reports whether opt is set.
func (c PoolConfig) HasOption(opt string) bool {
	return slices.Contains(c.Options, opt)
}

// AddOption sets opt once.
func (c *PoolConfig) AddOption(opt string) {
	if !c.HasOption(opt) {
		c.Options = append(c.Options, opt)
	}
}

// Clone returns a deep copy of the config.
func (c PoolConfig) Clone() PoolConfig {
	out := c
	out.Caps = c.Caps.Copy()
	out.Options = slices.Clone(c.Options)
	return out
}

// AcquireParams tune a single Acquire call.
type AcquireParams struct {
	// DontWait makes Acquire fail instead of blocking when no buffer is available.
	DontWait bool
}

// BufferPool is the generic pool protocol consumers use to acquire and release buffers.
type BufferPool interface {
	Owner
	SetConfig(cfg PoolConfig) error
	Config() PoolConfig
	Options() []string
	Start() error
	Stop() error
	IsActive() bool
	Acquire(ctx context.Context, params *AcquireParams) (*Buffer, error)
}

// MetaAPI names a metadata API a stage can handle.
type MetaAPI string

// VideoMetaAPI is the API of VideoMeta.
const VideoMetaAPI MetaAPI = "video-meta-api"

// PoolProposal is one pool offered in answer to an AllocationQuery.
type PoolProposal struct {
	Pool BufferPool
	Size int
	Min  int
	Max  int
}

// AllocationQuery is the negotiation request an upstream stage sends downstream.
type AllocationQuery struct {
	Caps     *Caps
	NeedPool bool
	Pools    []PoolProposal
	Metas    []MetaAPI
}

// AddPool appends a pool proposal.
func (q *AllocationQuery) AddPool(pool BufferPool, size, minBuffers, maxBuffers int) {
	q.Pools = append(q.Pools, PoolProposal{Pool: pool, Size: size, Min: minBuffers, Max: maxBuffers})
}

// AddMeta advertises support for api once.
func (q *AllocationQuery) AddMeta(api MetaAPI) {
	if !slices.Contains(q.Metas, api) {
		q.Metas = append(q.Metas, api)
	}
}

// HasMeta reports whether api was advertised.
func (q *AllocationQuery) HasMeta(api MetaAPI) bool {
	return slices.Contains(q.Metas, api)
}

// Package server provides HTTP handlers for the buffer pool daemon.
package server

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/penguintechinc/hwbufferpool/internal/filter"
	"github.com/penguintechinc/hwbufferpool/internal/hwpool"
	"github.com/penguintechinc/hwbufferpool/internal/hwsim"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/memory"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
	"github.com/penguintechinc/hwbufferpool/internal/store"
)

const cycleTimeout = 5 * time.Second

// NegotiationLister lists journaled negotiations.
type NegotiationLister interface {
	RecentNegotiations(ctx context.Context, limit int) ([]store.NegotiationRecord, error)
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Status       string               `json:"status"`
	Service      string               `json:"service"`
	Version      string               `json:"version"`
	Timestamp    string               `json:"timestamp"`
	Uptime       string               `json:"uptime"`
	GoVersion    string               `json:"go_version"`
	NumCPU       int                  `json:"num_cpu"`
	NumGoroutine int                  `json:"num_goroutine"`
	Element      filter.Status        `json:"element"`
	Component    *hwsim.Stats         `json:"component,omitempty"`
	Regions      []memory.RegionStats `json:"regions"`
}

// NegotiateRequest is the body of POST /api/v1/negotiate.
type NegotiateRequest struct {
	Caps       string `json:"caps" binding:"required"`
	NeedPool   *bool  `json:"need_pool"`
	NumBuffers int    `json:"num_buffers"`
	Activate   bool   `json:"activate"`
}

// ProposalResponse describes one proposed pool.
type ProposalResponse struct {
	Pool string `json:"pool"`
	Size int    `json:"size"`
	Min  int    `json:"min"`
	Max  int    `json:"max"`
}

// NegotiateResponse is the answer to an allocation query.
type NegotiateResponse struct {
	Caps      string             `json:"caps"`
	Pools     []ProposalResponse `json:"pools"`
	Metas     []media.MetaAPI    `json:"metas"`
	Activated bool               `json:"activated"`
}

// CycleRequest is the body of POST /api/v1/pool/cycle.
type CycleRequest struct {
	Count int `json:"count"`
}

// CycleResponse reports the buffers handed out by a cycle.
type CycleResponse struct {
	Cycled  int          `json:"cycled"`
	Indexes []int        `json:"indexes"`
	Sizes   []int        `json:"sizes"`
	Pool    hwpool.Stats `json:"pool"`
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	startTime time.Time
	version   string
	filter    *filter.Filter
	regions   *memory.Registry
	metrics   *metrics.Metrics
	journal   NegotiationLister
	component *hwsim.Component
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(version string, deps Dependencies) *Handlers {
	return &Handlers{
		startTime: time.Now(),
		version:   version,
		filter:    deps.Filter,
		regions:   deps.Regions,
		metrics:   deps.Metrics,
		journal:   deps.Journal,
		component: deps.Component,
	}
}

func errorResponse(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

// HealthCheck handles GET /healthz
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessCheck handles GET /readyz. The daemon is ready once a pool is active.
func (h *Handlers) ReadinessCheck(c *gin.Context) {
	status := "ready"
	code := http.StatusOK
	if pool := h.filter.Pool(); pool == nil || !pool.IsActive() {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Status handles GET /api/v1/status
func (h *Handlers) Status(c *gin.Context) {
	response := StatusResponse{
		Status:       "running",
		Service:      "hwbufferpool",
		Version:      h.version,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Uptime:       time.Since(h.startTime).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		Element:      h.filter.Status(),
		Regions:      h.regionStats(),
	}
	if h.component != nil {
		stats := h.component.Stats()
		response.Component = &stats
	}

	c.JSON(http.StatusOK, response)
}

// PoolStats handles GET /api/v1/pool/stats
func (h *Handlers) PoolStats(c *gin.Context) {
	pool := h.filter.Pool()
	if pool == nil {
		errorResponse(c, http.StatusServiceUnavailable, filter.ErrNotNegotiated)
		return
	}
	c.JSON(http.StatusOK, pool.Stats())
}

// RegionStats handles GET /api/v1/region/stats
func (h *Handlers) RegionStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"regions": h.regionStats()})
}

func (h *Handlers) regionStats() []memory.RegionStats {
	stats := h.regions.Stats()
	if h.metrics != nil {
		for _, s := range stats {
			h.metrics.UpdateRegionStats(s.Name, s.TotalBytes, s.UsedBytes, s.PeakBytes, s.FailedAllocs)
		}
	}
	return stats
}

// Negotiate handles POST /api/v1/negotiate
// It runs an allocation query against the element, as a downstream peer would.
func (h *Handlers) Negotiate(c *gin.Context) {
	var req NegotiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	caps, err := media.ParseCaps(req.Caps)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	if req.NumBuffers != 0 {
		if err := h.filter.SetNumBuffers(req.NumBuffers); err != nil {
			errorResponse(c, http.StatusBadRequest, err)
			return
		}
	}

	q := &media.AllocationQuery{Caps: caps, NeedPool: req.NeedPool == nil || *req.NeedPool}
	if err := h.filter.ProposeAllocation(c.Request.Context(), q); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, filter.ErrNoCaps) || errors.Is(err, filter.ErrInvalidCaps) {
			code = http.StatusBadRequest
		}
		errorResponse(c, code, err)
		return
	}

	resp := NegotiateResponse{Caps: caps.String(), Pools: []ProposalResponse{}, Metas: q.Metas}
	for _, p := range q.Pools {
		pr := ProposalResponse{Size: p.Size, Min: p.Min, Max: p.Max}
		if hp, ok := p.Pool.(*hwpool.Pool); ok {
			pr.Pool = hp.ID().String()
		}
		resp.Pools = append(resp.Pools, pr)
	}
	if req.Activate && len(q.Pools) > 0 {
		if err := h.filter.ActivatePool(); err != nil {
			errorResponse(c, http.StatusInternalServerError, err)
			return
		}
		resp.Activated = true
	}

	c.JSON(http.StatusOK, resp)
}

// PoolCycle handles POST /api/v1/pool/cycle
// It acquires count buffers, passes them through the element and releases them.
func (h *Handlers) PoolCycle(c *gin.Context) {
	pool := h.filter.Pool()
	if pool == nil || !pool.IsActive() {
		errorResponse(c, http.StatusConflict, hwpool.ErrInactive)
		return
	}

	var req CycleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, err)
			return
		}
	}
	if req.Count <= 0 {
		req.Count = pool.Config().MaxBuffers
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), cycleTimeout)
	defer cancel()

	resp := CycleResponse{Indexes: []int{}, Sizes: []int{}}
	for i := 0; i < req.Count; i++ {
		obj, err := pool.Acquire(ctx, nil)
		if err != nil {
			code := http.StatusServiceUnavailable
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, hwpool.ErrAcquireTimeout) {
				code = http.StatusGatewayTimeout
			}
			c.JSON(code, gin.H{"error": err.Error(), "cycled": resp.Cycled})
			return
		}
		out, _ := h.filter.Transform(obj)
		if hwb := pool.HardwareBuffer(out); hwb != nil {
			resp.Indexes = append(resp.Indexes, hwb.Index())
		}
		resp.Sizes = append(resp.Sizes, out.Size())
		if err := out.Release(); err != nil {
			errorResponse(c, http.StatusInternalServerError, err)
			return
		}
		resp.Cycled++
	}
	resp.Pool = pool.Stats()

	c.JSON(http.StatusOK, resp)
}

// Negotiations handles GET /api/v1/negotiations
func (h *Handlers) Negotiations(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "negotiation journal not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	records, err := h.journal.RecentNegotiations(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": records})
}

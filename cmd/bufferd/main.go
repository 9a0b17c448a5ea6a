// Package main is the entry point for the hardware buffer pool daemon.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/penguintechinc/hwbufferpool/internal/config"
	"github.com/penguintechinc/hwbufferpool/internal/events"
	"github.com/penguintechinc/hwbufferpool/internal/filter"
	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/hwsim"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/memory"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
	"github.com/penguintechinc/hwbufferpool/internal/server"
	"github.com/penguintechinc/hwbufferpool/internal/store"
)

const elementName = "bufferalloc0"

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("configuration rejected", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("host", cfg.ServerHost),
		zap.Int("port", cfg.ServerPort),
		zap.String("region", cfg.RegionName),
		zap.Int("region_size", cfg.RegionSize),
		zap.Int("num_buffers", cfg.NumBuffers),
		zap.Bool("attach_component", cfg.AttachComponent),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	// Memory region backing the port buffers
	if cfg.RegionLock {
		if err := memory.RaiseMemlockLimit(); err != nil {
			logger.Warn("failed to raise memlock limit", zap.Error(err))
		}
	}
	region, err := memory.NewRegion(memory.RegionConfig{
		Name:         cfg.RegionName,
		Size:         cfg.RegionSize,
		UseHugepages: cfg.RegionHugepages,
		Lock:         cfg.RegionLock,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to map memory region", zap.Error(err))
	}
	regions := memory.NewRegistry()
	if err := regions.Register(region); err != nil {
		logger.Fatal("failed to register memory region", zap.Error(err))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("hwbuffer", reg)

	// Element error reporting
	reporters := events.MultiReporter{events.NewLogReporter(logger)}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, element errors stay local", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			reporters = append(reporters, events.NewRedisReporter(rdb, cfg.RedisChannel))
			logger.Info("publishing element errors", zap.String("channel", cfg.RedisChannel))
		}
		cancel()
	}

	// Negotiation journal
	var journal *store.Store
	if cfg.DatabaseDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		journal, err = store.Open(ctx, cfg.DatabaseDSN, logger)
		cancel()
		if err != nil {
			logger.Fatal("failed to open negotiation journal", zap.Error(err))
		}
		reporters = append(reporters, journal)
	}

	// Passthrough element
	opts := []filter.Option{
		filter.WithLogger(logger),
		filter.WithMetrics(m),
		filter.WithReporter(reporters),
		filter.WithAcquireTimeout(cfg.AcquireTimeout),
	}
	if journal != nil {
		opts = append(opts, filter.WithJournal(journal))
	}
	def := hwbuf.Definition{
		Direction:       hwbuf.DirOutput,
		Domain:          hwbuf.DomainVideo,
		BufferAlignment: cfg.BufferAlignment,
	}
	elem := filter.New(elementName, region, def, opts...)
	if err := elem.SetNumBuffers(cfg.NumBuffers); err != nil {
		logger.Fatal("invalid buffer count", zap.Error(err))
	}

	var comp *hwsim.Component
	if cfg.AttachComponent {
		comp = hwsim.New(elem.Port(), hwsim.Config{FillDelay: cfg.ComponentFillDelay, Logger: logger})
		elem.SetComponent(comp)
	}
	if err := elem.Start(); err != nil {
		logger.Fatal("failed to start element", zap.Error(err))
	}
	if cfg.DefaultCaps != "" {
		if err := negotiateDefault(elem, cfg.DefaultCaps); err != nil {
			logger.Error("default negotiation failed", zap.String("caps", cfg.DefaultCaps), zap.Error(err))
		}
	}

	// Create and start server
	deps := server.Dependencies{
		Filter:   elem,
		Regions:  regions,
		Metrics:  m,
		Gatherer: reg,
		Logger:   logger,
	}
	if journal != nil {
		deps.Journal = journal
	}
	if comp != nil {
		deps.Component = comp
	}
	srv, err := server.NewServer(cfg, deps)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	// Start server in a goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	if comp != nil {
		_ = comp.Close()
	}
	if err := elem.Stop(ctx); err != nil {
		logger.Error("element stop failed", zap.Error(err))
	}
	if journal != nil {
		_ = journal.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := regions.Close(); err != nil {
		logger.Warn("region close failed", zap.Error(err))
	}

	logger.Info("stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// negotiateDefault answers an allocation query for caps and activates the pool so
// the daemon serves buffers without a peer.
func negotiateDefault(elem *filter.Filter, caps string) error {
	c, err := media.ParseCaps(caps)
	if err != nil {
		return err
	}
	q := &media.AllocationQuery{Caps: c, NeedPool: true}
	if err := elem.ProposeAllocation(context.Background(), q); err != nil {
		return err
	}
	return elem.ActivatePool()
}

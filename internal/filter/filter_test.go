package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/penguintechinc/hwbufferpool/internal/hwbuf"
	"github.com/penguintechinc/hwbufferpool/internal/hwpool"
	"github.com/penguintechinc/hwbufferpool/internal/hwsim"
	"github.com/penguintechinc/hwbufferpool/internal/media"
	"github.com/penguintechinc/hwbufferpool/internal/memory"
	"github.com/penguintechinc/hwbufferpool/internal/metrics"
	"github.com/penguintechinc/hwbufferpool/internal/store"
)

// MockJournal is a mock implementation of Journal.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) RecordNegotiation(ctx context.Context, rec *store.NegotiationRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func outputDef() hwbuf.Definition {
	return hwbuf.Definition{Direction: hwbuf.DirOutput, Domain: hwbuf.DomainVideo}
}

func newFilter(t *testing.T, regionSize int, opts ...Option) *Filter {
	t.Helper()
	region, err := memory.NewRegion(memory.RegionConfig{Name: "filter", Size: regionSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New("bufferalloc0", region, outputDef(), opts...)
}

func query(caps string, needPool bool) *media.AllocationQuery {
	q := &media.AllocationQuery{NeedPool: needPool}
	if caps != "" {
		q.Caps = media.MustParseCaps(caps)
	}
	return q
}

func TestNumBuffersProperty(t *testing.T) {
	f := newFilter(t, 1<<20)
	assert.Equal(t, DefaultNumBuffers, f.NumBuffers())

	assert.ErrorIs(t, f.SetNumBuffers(0), ErrOutOfRange)
	assert.ErrorIs(t, f.SetNumBuffers(17), ErrOutOfRange)
	assert.Equal(t, 3, f.NumBuffers())

	require.NoError(t, f.SetNumBuffers(16))
	require.NoError(t, f.SetNumBuffers(1))
	assert.Equal(t, 1, f.NumBuffers())
}

func TestProposeAllocationCapsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	f := newFilter(t, 1<<20, WithMetrics(m))

	err := f.ProposeAllocation(context.Background(), query("", true))
	assert.ErrorIs(t, err, ErrNoCaps)
	assert.NotErrorIs(t, err, ErrInvalidCaps)

	q := query("video/x-raw, format=I420, height=48", true)
	err = f.ProposeAllocation(context.Background(), q)
	assert.ErrorIs(t, err, ErrInvalidCaps)
	assert.NotErrorIs(t, err, ErrNoCaps)
	assert.Empty(t, q.Pools)
	assert.Equal(t, 0, f.Port().Len())
	assert.Nil(t, f.Pool())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Negotiations.WithLabelValues("error")))
}

func TestProposeAllocationWithoutPool(t *testing.T) {
	f := newFilter(t, 1<<20)
	q := query("video/x-raw, format=I420, height=48", false)

	require.NoError(t, f.ProposeAllocation(context.Background(), q))
	assert.Empty(t, q.Pools)
	assert.True(t, q.HasMeta(media.VideoMetaAPI))
	assert.Equal(t, 0, f.Port().Len())
}

func TestProposeAllocation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	journal := &MockJournal{}
	journal.On("RecordNegotiation", mock.Anything, mock.MatchedBy(func(rec *store.NegotiationRecord) bool {
		return rec.Success && rec.Size == 4608 && rec.MinBuffers == 3 && rec.Mode == "standalone" && rec.Pool != ""
	})).Return(nil).Once()

	f := newFilter(t, 1<<20, WithMetrics(m), WithJournal(journal))
	q := query("video/x-raw, format=I420, width=64, height=48, framerate=30/1", true)
	require.NoError(t, f.ProposeAllocation(context.Background(), q))

	require.Len(t, q.Pools, 1)
	prop := q.Pools[0]
	assert.Equal(t, 4608, prop.Size)
	assert.Equal(t, 3, prop.Min)
	assert.Equal(t, 3, prop.Max)
	assert.Equal(t, []media.MetaAPI{media.VideoMetaAPI}, q.Metas)

	pool, ok := prop.Pool.(*hwpool.Pool)
	require.True(t, ok)
	assert.Same(t, f.Pool(), pool)
	assert.Equal(t, hwpool.StateConfigured, pool.State())
	assert.Equal(t, 3, pool.Config().MinBuffers)

	port := f.Port()
	assert.Equal(t, 3, port.Len())
	def := port.Definition()
	assert.Equal(t, 4608, def.BufferSize)
	assert.Equal(t, 3, def.BufferCountActual)
	assert.Equal(t, 64, def.Video.Stride)
	assert.Equal(t, media.VideoFormatI420, def.Video.Format)

	journal.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Negotiations.WithLabelValues("ok")))
	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, 0, port.Len())
}

func TestProposeAllocationPoolCycle(t *testing.T) {
	f := newFilter(t, 1<<20)
	assert.ErrorIs(t, f.ActivatePool(), ErrNotNegotiated)

	q := query("video/x-raw, format=NV12, width=32, height=32", true)
	require.NoError(t, f.ProposeAllocation(context.Background(), q))
	require.NoError(t, f.ActivatePool())
	pool := f.Pool()
	assert.True(t, pool.IsActive())
	assert.Equal(t, 3, pool.Stats().Materialized)

	obj, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	out, err := f.Transform(obj)
	require.NoError(t, err)
	assert.Same(t, obj, out)
	require.NoError(t, obj.Release())
	assert.Equal(t, uint64(1), f.Status().Frames)

	require.NoError(t, f.Stop(context.Background()))
	assert.False(t, pool.IsActive())
	assert.False(t, f.Status().Negotiated)
}

func TestRenegotiationReleasesPreviousBuffers(t *testing.T) {
	f := newFilter(t, 1<<20)
	first := query("video/x-raw, format=I420, width=64, height=48", true)
	require.NoError(t, f.ProposeAllocation(context.Background(), first))
	require.NoError(t, f.ActivatePool())
	old := f.Pool()

	require.NoError(t, f.SetNumBuffers(2))
	second := query("video/x-raw, format=I420, width=32, height=32", true)
	require.NoError(t, f.ProposeAllocation(context.Background(), second))

	assert.Equal(t, hwpool.StateConfigured, old.State())
	assert.NotSame(t, old, f.Pool())
	assert.Equal(t, 2, f.Port().Len())
	assert.Equal(t, 1536, f.Port().Definition().BufferSize)
	require.NoError(t, f.Stop(context.Background()))
}

func TestStopWaitsForOutstandingBuffers(t *testing.T) {
	f := newFilter(t, 1<<20)
	require.NoError(t, f.ProposeAllocation(context.Background(), query("video/x-raw, format=I420, width=64, height=48", true)))
	require.NoError(t, f.ActivatePool())
	obj, err := f.Pool().Acquire(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, f.Port().Len())

	require.NoError(t, obj.Release())
	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, 0, f.Port().Len())
}

func TestStatusAvailableWhileStopWaits(t *testing.T) {
	f := newFilter(t, 1<<20)
	require.NoError(t, f.Start())
	require.NoError(t, f.ProposeAllocation(context.Background(), query("video/x-raw, format=I420, width=64, height=48", true)))
	require.NoError(t, f.ActivatePool())
	obj, err := f.Pool().Acquire(context.Background(), nil)
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- f.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		s := f.Status()
		return !s.Started && s.Pool != nil && s.Pool.State == hwpool.StateStopping.String()
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.ActivatePool(), hwpool.ErrStopPending)
	assert.NotNil(t, f.Pool())
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the buffer was released: %v", err)
	default:
	}

	require.NoError(t, obj.Release())
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the last release")
	}
	assert.Nil(t, f.Pool())
	assert.Equal(t, 0, f.Port().Len())
}

func TestStopRefusesBuffersHeldByHardware(t *testing.T) {
	f := newFilter(t, 1<<20)
	comp := hwsim.New(f.Port(), hwsim.Config{FillDelay: time.Hour, Logger: zaptest.NewLogger(t)})
	f.SetComponent(comp)

	require.NoError(t, f.ProposeAllocation(context.Background(), query("video/x-raw, format=I420, width=64, height=48", true)))
	require.NoError(t, f.ActivatePool())
	obj, err := f.Pool().Acquire(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, obj.Release())
	assert.Equal(t, []int{0}, f.Port().InUseIndexes())

	err = f.Stop(context.Background())
	assert.ErrorIs(t, err, hwbuf.ErrBufferInUse)
	assert.Equal(t, 3, f.Port().Len())

	require.NoError(t, comp.Close())
	require.NoError(t, f.Stop(context.Background()))
	assert.Equal(t, 0, f.Port().Len())
}

func TestProposeAllocationUnwindsOnHeapExhaustion(t *testing.T) {
	journal := &MockJournal{}
	journal.On("RecordNegotiation", mock.Anything, mock.MatchedBy(func(rec *store.NegotiationRecord) bool {
		return !rec.Success && rec.Error != ""
	})).Return(errors.New("db down")).Once()
	journal.On("RecordNegotiation", mock.Anything, mock.MatchedBy(func(rec *store.NegotiationRecord) bool {
		return rec.Success && rec.MinBuffers == 1
	})).Return(nil).Once()

	f := newFilter(t, 8192, WithJournal(journal))
	err := f.ProposeAllocation(context.Background(), query("video/x-raw, format=I420, width=64, height=48", true))
	assert.ErrorIs(t, err, hwbuf.ErrAllocation)
	assert.ErrorIs(t, err, memory.ErrRegionExhausted)
	assert.Equal(t, 0, f.Port().Len())
	assert.Nil(t, f.Pool())

	require.NoError(t, f.SetNumBuffers(1))
	require.NoError(t, f.ProposeAllocation(context.Background(), query("video/x-raw, format=I420, width=64, height=48", true)))
	assert.Equal(t, 1, f.Port().Len())
	journal.AssertExpectations(t)
}

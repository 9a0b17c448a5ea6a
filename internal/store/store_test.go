package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/penguintechinc/hwbufferpool/internal/events"
)

// dryRunDB builds statements without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.Open("host=127.0.0.1 user=test dbname=test sslmode=disable"), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	require.NoError(t, err)
	return db
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrNoDSN)
}

func TestRecordNegotiationAssignsID(t *testing.T) {
	s := New(dryRunDB(t), zaptest.NewLogger(t))

	rec := &NegotiationRecord{Element: "bufferalloc0", Caps: "video/x-raw, format=I420", Size: 4608, MinBuffers: 3, MaxBuffers: 3, Success: true}
	require.NoError(t, s.RecordNegotiation(context.Background(), rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)

	fixed := uuid.New()
	rec2 := &NegotiationRecord{ID: fixed}
	require.NoError(t, s.RecordNegotiation(context.Background(), rec2))
	assert.Equal(t, fixed, rec2.ID)
}

func TestNegotiationInsertSQL(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Create(&NegotiationRecord{ID: uuid.New(), Element: "e"})
	})
	assert.Contains(t, sql, `INSERT INTO "negotiations"`)
	assert.Contains(t, sql, `"min_buffers"`)
}

func TestRecentNegotiationsQuery(t *testing.T) {
	db := dryRunDB(t)
	var out []NegotiationRecord

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB { return recentNegotiations(tx, 5).Find(&out) })
	assert.Contains(t, sql, `FROM "negotiations"`)
	assert.Contains(t, sql, "ORDER BY created_at desc")
	assert.Contains(t, sql, "LIMIT 5")

	sql = db.ToSQL(func(tx *gorm.DB) *gorm.DB { return recentNegotiations(tx, 0).Find(&out) })
	assert.Contains(t, sql, "LIMIT 20")

	s := New(db, nil)
	got, err := s.RecentNegotiations(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreIsReporter(t *testing.T) {
	var _ events.Reporter = (*Store)(nil)
	s := New(dryRunDB(t), nil)

	ee := events.NewElementError("bufferalloc0", events.DomainLibrary, events.CodeFailed, errors.New("rejected"))
	ee.BufferIndex = 2
	require.NoError(t, s.Report(context.Background(), ee))

	sql := s.db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return tx.Create(&ElementErrorRecord{ID: ee.ID, Element: ee.Element, BufferIndex: 2})
	})
	assert.Contains(t, sql, `INSERT INTO "element_errors"`)
}

func TestGormLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := newGormLogger(zap.New(core))
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), fc, nil)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now(), fc, errors.New("boom"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "query failed", logs.All()[0].Message)

	l.Trace(context.Background(), time.Now(), fc, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 1, logs.Len())

	verbose := l.LogMode(gormlogger.Info)
	verbose.Trace(context.Background(), time.Now(), fc, nil)
	assert.Equal(t, 2, logs.Len())

	l.LogMode(gormlogger.Silent).Error(context.Background(), "ignored %d", 1)
	assert.Equal(t, 2, logs.Len())
}

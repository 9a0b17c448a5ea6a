// Package store journals negotiations and element errors to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/penguintechinc/hwbufferpool/internal/events"
)

// DefaultRecentLimit is used when RecentNegotiations is called without a limit.
const DefaultRecentLimit = 20

// ErrNoDSN is returned by Open with an empty DSN.
var ErrNoDSN = errors.New("database dsn is empty")

// NegotiationRecord is one allocation negotiation.
type NegotiationRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Element    string    `gorm:"size:128;index" json:"element"`
	Pool       string    `gorm:"size:128" json:"pool"`
	Caps       string    `gorm:"type:text" json:"caps"`
	Mode       string    `gorm:"size:32" json:"mode"`
	Size       int       `json:"size"`
	MinBuffers int       `json:"min_buffers"`
	MaxBuffers int       `json:"max_buffers"`
	Success    bool      `json:"success"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName implements gorm's tabler.
func (NegotiationRecord) TableName() string { return "negotiations" }

// ElementErrorRecord is a persisted events.ElementError.
type ElementErrorRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Element     string    `gorm:"size:128;index" json:"element"`
	Domain      string    `gorm:"size:32" json:"domain"`
	Code        string    `gorm:"size:32" json:"code"`
	Message     string    `gorm:"type:text" json:"message"`
	Debug       string    `gorm:"type:text" json:"debug,omitempty"`
	BufferIndex int       `json:"buffer_index"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName implements gorm's tabler.
func (ElementErrorRecord) TableName() string { return "element_errors" }

// Store writes journal records.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to PostgreSQL and migrates the journal tables.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store")}
}

// Migrate creates or updates the journal tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&NegotiationRecord{}, &ElementErrorRecord{}); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// RecordNegotiation inserts rec, assigning an id when it has none.
func (s *Store) RecordNegotiation(ctx context.Context, rec *NegotiationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record negotiation: %w", err)
	}
	s.logger.Debug("negotiation recorded", zap.Stringer("id", rec.ID), zap.Bool("success", rec.Success))
	return nil
}

// RecordError inserts an element error.
func (s *Store) RecordError(ctx context.Context, e events.ElementError) error {
	rec := ElementErrorRecord{
		ID:          e.ID,
		Element:     e.Element,
		Domain:      e.Domain,
		Code:        e.Code,
		Message:     e.Message,
		Debug:       e.Debug,
		BufferIndex: e.BufferIndex,
		CreatedAt:   e.Timestamp,
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record element error: %w", err)
	}
	return nil
}

// Report implements events.Reporter.
func (s *Store) Report(ctx context.Context, e events.ElementError) error {
	return s.RecordError(ctx, e)
}

// RecentNegotiations returns the latest negotiations, newest first.
func (s *Store) RecentNegotiations(ctx context.Context, limit int) ([]NegotiationRecord, error) {
	var out []NegotiationRecord
	if err := recentNegotiations(s.db.WithContext(ctx), limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	return out, nil
}

func recentNegotiations(tx *gorm.DB, limit int) *gorm.DB {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return tx.Model(&NegotiationRecord{}).Order("created_at desc").Limit(limit)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

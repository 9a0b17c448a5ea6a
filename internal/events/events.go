// Package events carries asynchronous element errors out of the buffer pipeline.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Error domains.
const (
	DomainLibrary  = "library"
	DomainResource = "resource"
	DomainStream   = "stream"
)

// Error codes.
const (
	CodeFailed   = "failed"
	CodeSettings = "settings"
	CodeNoSpace  = "no-space"
	CodeBusy     = "busy"
)

// ElementError is an error raised by a pipeline element outside of a direct call.
type ElementError struct {
	ID          uuid.UUID `json:"id"`
	Element     string    `json:"element"`
	Domain      string    `json:"domain"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Debug       string    `json:"debug,omitempty"`
	BufferIndex int       `json:"buffer_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewElementError builds an element error from err. BufferIndex is -1 when the
// error is not tied to a buffer.
func NewElementError(element, domain, code string, err error) ElementError {
	e := ElementError{
		ID:          uuid.New(),
		Element:     element,
		Domain:      domain,
		Code:        code,
		BufferIndex: -1,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e ElementError) Error() string {
	return fmt.Sprintf("%s: %s/%s: %s", e.Element, e.Domain, e.Code, e.Message)
}

// Reporter delivers element errors.
type Reporter interface {
	Report(ctx context.Context, e ElementError) error
}

// NopReporter drops every error.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(context.Context, ElementError) error { return nil }

// LogReporter writes element errors to a logger.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging at error level.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger.Named("events")}
}

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, e ElementError) error {
	r.logger.Error("element error",
		zap.Stringer("id", e.ID),
		zap.String("element", e.Element),
		zap.String("domain", e.Domain),
		zap.String("code", e.Code),
		zap.String("message", e.Message),
		zap.String("debug", e.Debug),
		zap.Int("buffer", e.BufferIndex))
	return nil
}

// MultiReporter fans an error out to several reporters.
type MultiReporter []Reporter

// Report implements Reporter. Every reporter is tried.
func (m MultiReporter) Report(ctx context.Context, e ElementError) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

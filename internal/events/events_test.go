package events

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakePublisher struct {
	channel string
	message interface{}
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.message = message
	if p.err != nil {
		cmd := redis.NewIntCmd(ctx)
		cmd.SetErr(p.err)
		return cmd
	}
	return redis.NewIntResult(1, nil)
}

type recordingReporter struct {
	got []ElementError
	err error
}

func (r *recordingReporter) Report(_ context.Context, e ElementError) error {
	r.got = append(r.got, e)
	return r.err
}

func TestNewElementError(t *testing.T) {
	e := NewElementError("hwpool", DomainLibrary, CodeFailed, errors.New("fill rejected"))
	assert.NotEqual(t, "", e.ID.String())
	assert.Equal(t, -1, e.BufferIndex)
	assert.Equal(t, "fill rejected", e.Message)
	assert.Equal(t, "hwpool: library/failed: fill rejected", e.Error())
	assert.False(t, e.Timestamp.IsZero())
}

func TestRedisReporterPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRedisReporter(pub, "")
	assert.Equal(t, DefaultChannel, r.Channel())

	e := NewElementError("hwpool", DomainResource, CodeBusy, errors.New("busy"))
	e.BufferIndex = 2
	require.NoError(t, r.Report(context.Background(), e))
	assert.Equal(t, DefaultChannel, pub.channel)

	payload, ok := pub.message.([]byte)
	require.True(t, ok)
	decoded, err := DecodeElementError(string(payload))
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, 2, decoded.BufferIndex)
	assert.Equal(t, CodeBusy, decoded.Code)
}

func TestRedisReporterError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	err := NewRedisReporter(pub, "errs").Report(context.Background(), NewElementError("x", DomainStream, CodeFailed, nil))
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, "errs", pub.channel)

	_, err = DecodeElementError("{")
	assert.Error(t, err)
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := NewLogReporter(zap.New(core))

	require.NoError(t, r.Report(context.Background(), NewElementError("hwpool", DomainLibrary, CodeFailed, errors.New("boom"))))
	entries := logs.FilterMessage("element error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["message"])
}

func TestMultiReporter(t *testing.T) {
	a := &recordingReporter{}
	b := &recordingReporter{err: errors.New("down")}
	m := MultiReporter{a, nil, b, NopReporter{}}

	err := m.Report(context.Background(), NewElementError("hwpool", DomainLibrary, CodeFailed, nil))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

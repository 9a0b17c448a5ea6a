package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel element errors are published on.
const DefaultChannel = "hwbuffer:element-errors"

// Publisher is the subset of *redis.Client used by RedisReporter.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisReporter publishes element errors as JSON on a redis channel.
type RedisReporter struct {
	client  Publisher
	channel string
}

// NewRedisReporter creates a reporter publishing on channel.
func NewRedisReporter(client Publisher, channel string) *RedisReporter {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisReporter{client: client, channel: channel}
}

// Channel returns the channel errors are published on.
func (r *RedisReporter) Channel() string {
	return r.channel
}

// Report implements Reporter.
func (r *RedisReporter) Report(ctx context.Context, e ElementError) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode element error: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish element error: %w", err)
	}
	return nil
}

// DecodeElementError parses a message published by RedisReporter.
func DecodeElementError(payload string) (ElementError, error) {
	var e ElementError
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return ElementError{}, fmt.Errorf("decode element error: %w", err)
	}
	return e, nil
}

// Subscribe delivers element errors published on channel until ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, channel string, fn func(ElementError)) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := DecodeElementError(msg.Payload)
			if err != nil {
				continue
			}
			fn(e)
		}
	}
}

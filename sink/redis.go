// Package sink persists execution records.
//
// Every sink exposes Save with the execlog.CompleteFunc signature, so a
// method value can be handed straight to nodeguard.WithOnComplete.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/agentstation/nodeguard/execlog"
)

// ErrNotFound is returned by Get for an unknown execution id.
var ErrNotFound = errors.New("sink: execution record not found")

// Redis stores records as JSON strings and keeps a capped list of recent ids.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxHistory int64
}

// RedisOption configures a Redis sink.
type RedisOption func(*Redis)

// WithKeyPrefix sets the key namespace. The default is "nodeguard".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithTTL expires record keys after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithMaxHistory caps the recent-executions list. The default is 1000.
func WithMaxHistory(n int64) RedisOption {
	return func(r *Redis) {
		r.maxHistory = n
	}
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "nodeguard", maxHistory: 1000}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to url (redis://host:port/db) and verifies the connection.
func DialRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) recordKey(id string) string {
	return r.prefix + ":execution:" + id
}

func (r *Redis) historyKey() string {
	return r.prefix + ":executions"
}

// Save stores rec and pushes its id onto the history list.
func (r *Redis) Save(ctx context.Context, rec execlog.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(rec.ID), data, r.ttl)
	pipe.LPush(ctx, r.historyKey(), rec.ID)
	if r.maxHistory > 0 {
		pipe.LTrim(ctx, r.historyKey(), 0, r.maxHistory-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a record by execution id.
func (r *Redis) Get(ctx context.Context, id string) (execlog.Record, error) {
	var rec execlog.Record
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("load record %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns up to n of the most recent execution ids, newest first.
func (r *Redis) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := r.client.LRange(ctx, r.historyKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	return ids, nil
}

package sink_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/internal/testutil"
	"github.com/agentstation/nodeguard/sink"
)

func record(id string) execlog.Record {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return execlog.Record{
		ID:          id,
		AgentType:   "writer",
		UserID:      "u1",
		Input:       map[string]any{"topic": "go"},
		Output:      "text",
		Status:      execlog.StatusCompleted,
		TokensUsed:  30,
		DurationMs:  1500,
		CreatedAt:   created,
		CompletedAt: created.Add(1500 * time.Millisecond),
	}
}

func newRedis(t *testing.T, opts ...sink.RedisOption) (*sink.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return sink.NewRedis(client, opts...), mr
}

func TestRedisSaveAndGet(t *testing.T) {
	s, mr := newRedis(t, sink.WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, record("writer_1")))

	got, err := s.Get(ctx, "writer_1")
	require.NoError(t, err)
	assert.Equal(t, "writer", got.AgentType)
	assert.Equal(t, execlog.StatusCompleted, got.Status)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.Equal(t, map[string]any{"topic": "go"}, got.Input)
	assert.True(t, got.CreatedAt.Equal(record("x").CreatedAt))

	assert.Equal(t, time.Hour, mr.TTL("nodeguard:execution:writer_1"))
	ids, err := mr.List("nodeguard:executions")
	require.NoError(t, err)
	assert.Equal(t, []string{"writer_1"}, ids)
}

func TestRedisHistoryIsCapped(t *testing.T) {
	s, _ := newRedis(t, sink.WithKeyPrefix("test"), sink.WithMaxHistory(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, record(id)))
	}

	ids, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids)
}

func TestRedisGetMissing(t *testing.T) {
	s, _ := newRedis(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sink.ErrNotFound)
}

func TestRedisSaveFailureIsReported(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()
	err := s.Save(context.Background(), record("x"))
	assert.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := sink.DialRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Save(context.Background(), record("dialed")))

	_, err = sink.DialRedis(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestJSONL(t *testing.T) {
	var buf bytes.Buffer
	s := sink.NewJSONL(&buf)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, record("one")))
	require.NoError(t, s.Save(ctx, record("two")))

	var ids []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var rec execlog.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"one", "two"}, ids)
}

func TestMulti(t *testing.T) {
	ok := &testutil.MockSink{}
	broken := &testutil.MockSink{Err: errors.New("disk full")}

	err := sink.Multi(ok.Save, broken.Save)(context.Background(), record("m"))
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, ok.Records(), 1)
	assert.Len(t, broken.Records(), 1)
}

func TestSinkAsCompletionCallback(t *testing.T) {
	s, _ := newRedis(t)
	g := nodeguard.GraphFunc(func(ctx context.Context, st nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
		return nodeguard.State{"output": "done"}, nil
	})

	res := nodeguard.ExecuteGraph(context.Background(), g, nodeguard.State{}, "writer", "u1", nodeguard.WithOnComplete(s.Save))
	require.True(t, res.Success)

	stored, err := s.Get(context.Background(), res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", stored.Output)
	assert.Equal(t, "u1", stored.UserID)
}

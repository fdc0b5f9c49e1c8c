package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
}

func newTestCache(t *testing.T) (*JSONCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewJSONCache(client, "test", time.Minute), srv
}

func TestFetchJSONReadThrough(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()
	key, err := c.BuildKey(ctx, "item")
	require.NoError(t, err)
	require.Equal(t, "test:item:v1", key)

	var calls int32
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return payload{Name: "alpha"}, nil
	}
	var got payload
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, "alpha", got.Name)
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.True(t, srv.Exists(key))
	ttl := srv.TTL(key)
	require.Equal(t, time.Minute, ttl)
}

func TestBumpChangesKey(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	before, err := c.BuildKey(ctx, "item")
	require.NoError(t, err)
	require.NoError(t, c.Bump(ctx))
	after, err := c.BuildKey(ctx, "item")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestFetchJSONLoaderErrorNotCached(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()
	boom := errors.New("boom")
	var got payload
	err := c.FetchJSON(ctx, "test:broken", &got, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, srv.Exists("test:broken"))
}

func TestFetchJSONSharesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return payload{Name: "shared"}, nil
	}
	var wg sync.WaitGroup
	results := make([]payload, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.FetchJSON(ctx, "test:hot", &results[i], loader)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
	for _, r := range results {
		require.Equal(t, "shared", r.Name)
	}
}

func TestNilClientCallsLoader(t *testing.T) {
	c := NewJSONCache(nil, "test", time.Minute)
	var got payload
	require.NoError(t, c.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
		return payload{Name: "direct"}, nil
	}))
	require.Equal(t, "direct", got.Name)
}

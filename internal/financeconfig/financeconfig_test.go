package financeconfig

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finance-engine/internal/platform/cache"
	"github.com/odyssey-erp/finance-engine/internal/shared"
)

type countingSource struct {
	m     Map
	calls int32
}

func (s *countingSource) Load(context.Context) (Map, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.m, nil
}

func TestRequireMissingKeyIsConfigurationError(t *testing.T) {
	m := Map{SegmentsRevenue: "4100"}
	id, err := m.Require(SegmentsRevenue)
	require.NoError(t, err)
	require.Equal(t, "4100", id)

	_, err = m.Require(SegmentsClearing)
	require.ErrorIs(t, err, shared.ErrConfiguration)

	_, err = m.RequireAll(SegmentsRevenue, SegmentsClearing, SegmentsBox)
	require.ErrorIs(t, err, shared.ErrConfiguration)
	require.Contains(t, err.Error(), "segments.box, segments.clearing")
}

func TestLoaderCachesInRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := &countingSource{m: Map{SubscriptionsBox: "1010"}}
	loader := NewLoader(source, cache.NewJSONCache(client, "finance", time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m, err := loader.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "1010", m[SubscriptionsBox])
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&source.calls))

	source.m = Map{SubscriptionsBox: "1020"}
	require.NoError(t, loader.Invalidate(ctx))
	m, err := loader.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1020", m[SubscriptionsBox])
	require.Equal(t, int32(2), atomic.LoadInt32(&source.calls))
}

// sinkInto saves straight into the source the loader reads.
type sinkInto struct {
	source *countingSource
	err    error
}

func (s sinkInto) Save(_ context.Context, m Map) error {
	if s.err != nil {
		return s.err
	}
	s.source.m = m
	return nil
}

func TestReplaceInvalidatesCachedMap(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := &countingSource{m: Map{SegmentsBox: "1000"}}
	loader := NewLoader(source, cache.NewJSONCache(client, CacheNamespace, time.Hour))
	ctx := context.Background()
	m, err := loader.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1000", m[SegmentsBox])

	require.NoError(t, loader.Replace(ctx, sinkInto{source: source}, Map{SegmentsBox: "1001"}))
	m, err = loader.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1001", m[SegmentsBox])

	failed := loader.Replace(ctx, sinkInto{source: source, err: shared.ErrTransientStore}, Map{SegmentsBox: "1002"})
	require.ErrorIs(t, failed, shared.ErrTransientStore)
	m, err = loader.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1001", m[SegmentsBox])
}

func TestReplaceWithoutCache(t *testing.T) {
	source := &countingSource{m: Map{}}
	loader := NewLoader(source, nil)
	require.NoError(t, loader.Replace(context.Background(), sinkInto{source: source}, Map{SubscriptionsBox: "1010"}))
	require.Equal(t, "1010", source.m[SubscriptionsBox])
}

func TestLoaderWithoutCacheHitsSource(t *testing.T) {
	source := &countingSource{m: Map{SegmentsBox: "1000"}}
	loader := NewLoader(source, nil)
	_, err := loader.Load(context.Background())
	require.NoError(t, err)
	_, err = loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&source.calls))
}

func TestStaticSourceCopies(t *testing.T) {
	src := StaticSource{SegmentsBox: "1000"}
	m, err := src.Load(context.Background())
	require.NoError(t, err)
	m[SegmentsBox] = "changed"
	require.Equal(t, "1000", src[SegmentsBox])
}

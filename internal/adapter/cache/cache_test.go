package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCache(t *testing.T) (*Cache, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(0)
	c := New(store, "test", nil)
	t.Cleanup(func() { c.Close() })
	return c, store
}

func TestCacheSetGet(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "stream", "abc", record{Name: "x", Count: 2}, time.Minute))

	raw, err := store.Get(ctx, "test:stream:abc")
	require.NoError(t, err, "keys are prefixed with prefix and namespace")
	assert.JSONEq(t, `{"name":"x","count":2}`, string(raw))

	var got record
	ok, err := c.Get(ctx, "stream", "abc", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, record{Name: "x", Count: 2}, got)

	ok, err = c.Get(ctx, "other", "abc", &got)
	require.NoError(t, err)
	assert.False(t, ok, "namespaces are isolated")
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	var v record

	c.Get(ctx, "ns", "missing", &v)
	require.NoError(t, c.Set(ctx, "ns", "k", record{}, time.Minute))
	c.Get(ctx, "ns", "k", &v)
	c.Get(ctx, "ns", "k", &v)

	assert.Equal(t, domain.CacheStats{Hits: 2, Misses: 1}, c.Stats())
	c.ResetStats()
	assert.Equal(t, domain.CacheStats{}, c.Stats())
}

func TestCacheGetDecodeError(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "test:ns:k", []byte("not json"), 0))

	var v record
	_, err := c.Get(ctx, "ns", "k", &v)
	assert.Error(t, err)
}

func TestCacheDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "ns", "k", 1, 0))
	require.NoError(t, c.Delete(ctx, "ns", "k"))

	var v int
	ok, err := c.Get(ctx, "ns", "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheGetOrCompute(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (any, error) {
		calls++
		return record{Name: "computed", Count: calls}, nil
	}

	var first, second record
	require.NoError(t, c.GetOrCompute(ctx, "gateway", "k", time.Minute, &first, compute))
	require.NoError(t, c.GetOrCompute(ctx, "gateway", "k", time.Minute, &second, compute))

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.Equal(t, "computed", second.Name)
}

func TestCacheGetOrComputeErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var v string
	err := c.GetOrCompute(ctx, "ns", "k", time.Minute, &v, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, c.GetOrCompute(ctx, "ns", "k", time.Minute, &v, func(context.Context) (any, error) { return "ok", nil }))
	assert.Equal(t, "ok", v)
}

func TestCacheGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.GetOrCompute(ctx, "ns", "hot", time.Minute, &results[i], compute))
		}()
	}
	// Let every goroutine reach the singleflight group before releasing.
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestCacheGetOrComputeSurvivesFirstCallerCancel(t *testing.T) {
	c, _ := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "shared", nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		var got string
		firstDone <- c.GetOrCompute(firstCtx, "ns", "hot", time.Minute, &got, compute)
	}()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan error, 1)
	var second string
	go func() {
		secondDone <- c.GetOrCompute(context.Background(), "ns", "hot", time.Minute, &second, compute)
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	require.NoError(t, <-secondDone)
	assert.Equal(t, "shared", second)
	assert.LessOrEqual(t, calls.Load(), int32(2))

	var cached string
	ok, err := c.Get(context.Background(), "ns", "hot", &cached)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "shared", cached)
}

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(0)
	s.now = clock.Now
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestMemoryStoreSetGet(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Set(ctx, "k", []byte("v2"), time.Minute))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got, "set replaces")

	_, err = s.Get(ctx, "absent")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()

	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in, 0))
	in[0] = 'X'

	out, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	out[0] = 'Y'

	again, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStoreExpiry(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, s.Set(ctx, "forever", []byte("y"), 0))

	clock.Advance(999 * time.Millisecond)
	_, err := s.Get(ctx, "short")
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	assert.Equal(t, 2, s.Len(), "expired entries linger until swept")
	assert.Equal(t, 1, s.sweep())
	assert.Equal(t, 1, s.Len())

	clock.Advance(24 * time.Hour)
	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryStoreDelete(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestMemoryStoreJanitor(t *testing.T) {
	s := NewMemoryStore(5 * time.Millisecond)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Millisecond))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				_ = s.Set(ctx, "shared", []byte{byte(i), byte(j)}, time.Minute)
				_, _ = s.Get(ctx, "shared")
			}
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, v, 2)
}

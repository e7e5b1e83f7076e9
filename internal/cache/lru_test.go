package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

// TestLRU_Eviction 測試容量淘汰
func TestLRU_Eviction(t *testing.T) {
	c := cache.NewLRU[int](3, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// 存取 a，讓 b 成為最久未使用
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	_, ok = c.Get("b")
	assert.False(t, ok, "b 應該被淘汰")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(1), c.Evictions())

	c.Set("a", 10)
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)

	c.Delete("a")
	c.Delete("missing")
	assert.Equal(t, 2, c.Len())
}

// TestLRU_TTL 測試到期與清理
func TestLRU_TTL(t *testing.T) {
	clock := newFakeClock()
	c := cache.NewLRU[string](100, time.Hour).WithClock(clock.Now)

	for i := range 10 {
		c.Set(fmt.Sprintf("old_%d", i), "v")
	}
	clock.Advance(40 * time.Minute)
	for i := range 5 {
		c.Set(fmt.Sprintf("new_%d", i), "v")
	}
	clock.Advance(30 * time.Minute)

	t.Run("expired entry misses on get", func(t *testing.T) {
		_, ok := c.Get("old_0")
		assert.False(t, ok)
		_, ok = c.Get("new_0")
		assert.True(t, ok)
	})

	t.Run("sweep removes expired entries", func(t *testing.T) {
		stats, err := c.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cache.SweepStats{Removed: 9, Retained: 5}, stats)
		assert.Equal(t, 5, c.Len())
	})

	t.Run("set refreshes ttl", func(t *testing.T) {
		c.Set("new_1", "v2")
		clock.Advance(45 * time.Minute)

		stats, err := c.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cache.SweepStats{Removed: 4, Retained: 1}, stats)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Sweep(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// TestLRU_Concurrent 併發讀寫
func TestLRU_Concurrent(t *testing.T) {
	c := cache.NewLRU[int](50, time.Minute)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 1000 {
				key := fmt.Sprintf("k%d", (g*31+i)%120)
				c.Set(key, i)
				c.Get(key)
				if i%100 == 0 {
					_, _ = c.Sweep(context.Background())
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

type stubLoader struct {
	calls atomic.Int32
	users map[string]cache.UserInfo
}

var errNoUser = errors.New("no such user")

func (l *stubLoader) UserInfo(_ context.Context, userID string) (cache.UserInfo, error) {
	l.calls.Add(1)
	info, ok := l.users[userID]
	if !ok {
		return cache.UserInfo{}, errNoUser
	}
	return info, nil
}

// TestUserCache 測試旁路快取
func TestUserCache(t *testing.T) {
	loader := &stubLoader{users: map[string]cache.UserInfo{
		"u1": {ID: "u1", DisplayName: "小明", Level: 3},
	}}
	uc := cache.NewUserCache(10, time.Hour, loader)
	ctx := context.Background()

	info, err := uc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "小明", info.DisplayName)

	_, err = uc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load(), "第二次應該命中快取")

	_, err = uc.Get(ctx, "ghost")
	assert.ErrorIs(t, err, errNoUser)
	assert.Equal(t, 1, uc.Len(), "載入失敗不寫入快取")

	uc.Invalidate("u1")
	_, err = uc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), loader.calls.Load())

	uc.Put(cache.UserInfo{ID: "u2", DisplayName: "小華"})
	info, err = uc.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "小華", info.DisplayName)
	assert.Equal(t, int32(3), loader.calls.Load())
}

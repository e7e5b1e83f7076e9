// Package cache 使用者資訊快取
//
// LRU 淘汰 + TTL 到期。到期項目在 Get 時惰性移除，
// 其餘由 cache-sweep 任務定期呼叫 Sweep 清掉
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// SweepStats 一次清理的統計
type SweepStats struct {
	Removed  int `json:"removed"`
	Retained int `json:"retained"`
}

// LRU 帶 TTL 的 LRU 快取
type LRU[V any] struct {
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // 頭部是最近使用
	now      func() time.Time
	mu       sync.Mutex

	evictions int64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewLRU 建立快取
//
// ttl <= 0 表示項目不會過期，只受容量限制
func NewLRU[V any](capacity int, ttl time.Duration) *LRU[V] {
	return &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// WithClock 替換時鐘（測試用）
func (c *LRU[V]) WithClock(now func() time.Time) *LRU[V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *LRU[V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && !now.Before(e.expiresAt)
}

// Get 取得快取值，命中時移到頭部
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if c.expired(e, c.now()) {
		c.removeElement(elem)
		return zero, false
	}

	c.order.MoveToFront(elem)
	return e.value, true
}

// Set 寫入快取值，超過容量時淘汰最久未使用的項目
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem

	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions++
		}
	}
}

// Delete 刪除快取項目（不存在時忽略）
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Len 項目數量（包含尚未清理的到期項目）
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Evictions 因容量被淘汰的總數
func (c *LRU[V]) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Sweep 移除所有到期項目
func (c *LRU[V]) Sweep(ctx context.Context) (SweepStats, error) {
	if err := ctx.Err(); err != nil {
		return SweepStats{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var stats SweepStats
	now := c.now()
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*entry[V]), now) {
			c.removeElement(elem)
			stats.Removed++
		}
		elem = prev
	}
	stats.Retained = c.order.Len()

	return stats, nil
}

func (c *LRU[V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}

package cache

import (
	"context"
	"fmt"
	"time"
)

// UserInfo 大廳與排行榜顯示用的使用者資訊
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Level       int    `json:"level"`
}

// Loader 快取未命中時的資料來源
type Loader interface {
	UserInfo(ctx context.Context, userID string) (UserInfo, error)
}

// UserCache 旁路快取：先查快取，未命中再從 Loader 載入並寫回
type UserCache struct {
	lru    *LRU[UserInfo]
	loader Loader
}

// NewUserCache 建立使用者資訊快取
func NewUserCache(capacity int, ttl time.Duration, loader Loader) *UserCache {
	return &UserCache{
		lru:    NewLRU[UserInfo](capacity, ttl),
		loader: loader,
	}
}

// Get 取得使用者資訊
func (c *UserCache) Get(ctx context.Context, userID string) (UserInfo, error) {
	if info, ok := c.lru.Get(userID); ok {
		return info, nil
	}

	info, err := c.loader.UserInfo(ctx, userID)
	if err != nil {
		return UserInfo{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	c.lru.Set(userID, info)
	return info, nil
}

// Put 直接寫入（同步任務預熱用）
func (c *UserCache) Put(info UserInfo) {
	c.lru.Set(info.ID, info)
}

// Invalidate 移除單一使用者
func (c *UserCache) Invalidate(userID string) {
	c.lru.Delete(userID)
}

// Len 快取項目數
func (c *UserCache) Len() int {
	return c.lru.Len()
}

// Sweep 清除到期項目
func (c *UserCache) Sweep(ctx context.Context) (SweepStats, error) {
	return c.lru.Sweep(ctx)
}

// LRU 返回底層快取
func (c *UserCache) LRU() *LRU[UserInfo] {
	return c.lru
}

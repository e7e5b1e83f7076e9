package rank

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// MemoryIndex 記憶體版有序索引
//
// 跳表負責排序與排名，map 負責 O(1) 查分數。
// 到期採惰性判斷：讀取時視為空，下一次寫入時才真正清空
type MemoryIndex struct {
	mu        sync.RWMutex
	list      *skipList
	scores    map[string]int64
	expiresAt time.Time // 零值表示不過期
	now       func() time.Time
}

// NewMemoryIndex 創建記憶體索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		list:   newSkipList(),
		scores: make(map[string]int64),
		now:    time.Now,
	}
}

// WithClock 替換時鐘（測試用）
func (m *MemoryIndex) WithClock(now func() time.Time) *MemoryIndex {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryIndex) expiredLocked() bool {
	return !m.expiresAt.IsZero() && !m.now().Before(m.expiresAt)
}

func (m *MemoryIndex) resetLocked() {
	m.list = newSkipList()
	m.scores = make(map[string]int64)
	m.expiresAt = time.Time{}
}

// prepareWriteLocked 寫入前清掉已到期的分區
func (m *MemoryIndex) prepareWriteLocked() {
	if m.expiredLocked() {
		m.resetLocked()
	}
}

func (m *MemoryIndex) upsertLocked(member string, score int64) {
	if old, ok := m.scores[member]; ok {
		if old == score {
			return
		}
		m.list.remove(member, old)
	}
	m.list.insert(member, score)
	m.scores[member] = score
}

// Upsert 寫入或更新分數
func (m *MemoryIndex) Upsert(_ context.Context, member string, score int64) error {
	if score < 0 {
		return apperrors.ErrInvalidScore
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prepareWriteLocked()
	m.upsertLocked(member, score)
	return nil
}

// UpsertMany 批次寫入
//
// 先驗證全部分數，再在同一把鎖內套用
func (m *MemoryIndex) UpsertMany(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		if e.Score < 0 {
			return apperrors.ErrInvalidScore.WithDetails(e.Member)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prepareWriteLocked()
	for _, e := range entries {
		m.upsertLocked(e.Member, e.Score)
	}
	return nil
}

// Rank 查詢排名
func (m *MemoryIndex) Rank(_ context.Context, member string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.expiredLocked() {
		return 0, false, nil
	}
	score, ok := m.scores[member]
	if !ok {
		return 0, false, nil
	}
	return int64(m.list.rank(member, score)), true, nil
}

// Score 查詢分數
func (m *MemoryIndex) Score(_ context.Context, member string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.expiredLocked() {
		return 0, false, nil
	}
	score, ok := m.scores[member]
	return score, ok, nil
}

// TopK 前 k 名
func (m *MemoryIndex) TopK(_ context.Context, k int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.expiredLocked() {
		return []Entry{}, nil
	}
	return m.list.rangeFrom(0, k), nil
}

// Cardinality 成員數
func (m *MemoryIndex) Cardinality(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.expiredLocked() {
		return 0, nil
	}
	return int64(m.list.length), nil
}

// Expire 設定分區存活時間
//
// 與 Redis EXPIRE 一致：空分區不設定，ttl <= 0 立即清空
func (m *MemoryIndex) Expire(_ context.Context, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prepareWriteLocked()
	if m.list.length == 0 {
		return nil
	}
	if ttl <= 0 {
		m.resetLocked()
		return nil
	}
	m.expiresAt = m.now().Add(ttl)
	return nil
}

// Clear 清空分區
func (m *MemoryIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked()
	return nil
}

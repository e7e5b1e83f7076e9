// Package rank 實現排行榜的有序分數索引
//
// 每個週期（daily/weekly/monthly/yearly）是一個獨立的 Index 分區。
// 兩種實作：
//   - MemoryIndex: 跳表 + map，單一程序內使用
//   - RedisIndex: Redis Sorted Set，多實例共享
package rank

import (
	"context"
	"time"
)

// Entry 一筆排行資料
type Entry struct {
	Member string `json:"member_id"`
	Score  int64  `json:"score"`
}

// Index 有序分數索引（單一週期分區）
//
// 排名 0 起算，分數由高到低。
// 每次寫入對讀者而言是原子的，不會看到寫到一半的狀態
type Index interface {
	// Upsert 寫入或更新分數，O(log N)
	Upsert(ctx context.Context, member string, score int64) error
	// UpsertMany 批次寫入，全部成功或全部不生效
	UpsertMany(ctx context.Context, entries []Entry) error
	// Rank 查詢排名，不存在時 found 為 false
	Rank(ctx context.Context, member string) (rank int64, found bool, err error)
	// Score 查詢分數，不存在時 found 為 false
	Score(ctx context.Context, member string) (score int64, found bool, err error)
	// TopK 前 k 名，k 超過總數時返回全部
	TopK(ctx context.Context, k int) ([]Entry, error)
	// Cardinality 成員數
	Cardinality(ctx context.Context) (int64, error)
	// Expire 設定或刷新整個分區的存活時間，到期後分區視為空
	Expire(ctx context.Context, ttl time.Duration) error
	// Clear 清空分區
	Clear(ctx context.Context) error
}

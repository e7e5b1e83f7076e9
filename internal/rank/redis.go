package rank

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisIndex 以 Redis Sorted Set 實作的索引
//
// 每個分區對應一個 key。同分時 ZREVRANK/ZREVRANGE 依 member
// 字典序由大到小排列，和 MemoryIndex 的同分順序相反，
// 但同一份資料反覆查詢的結果是固定的
type RedisIndex struct {
	client  *redis.Client
	key     string
	rebuild *redis.Script
}

// rebuildScript 批次寫入並設定 TTL
//
// KEYS[1]: 分區 key
// ARGV[1]: TTL（毫秒）
// ARGV[2..]: score、member 交錯排列
//
// 在同一個腳本內完成，分區不會出現有資料但沒有 TTL 的狀態
const rebuildScript = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

for i = 2, #ARGV, 2 do
	redis.call('ZADD', key, ARGV[i], ARGV[i + 1])
end

if redis.call('EXISTS', key) == 1 then
	redis.call('PEXPIRE', key, ttl)
end

return redis.call('ZCARD', key)
`

// NewRedisIndex 創建 Redis 索引
func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{
		client:  client,
		key:     key,
		rebuild: redis.NewScript(rebuildScript),
	}
}

// Key 返回分區使用的 Redis key
func (r *RedisIndex) Key() string {
	return r.key
}

// Upsert 寫入或更新分數（ZADD）
func (r *RedisIndex) Upsert(ctx context.Context, member string, score int64) error {
	if score < 0 {
		return apperrors.ErrInvalidScore
	}
	if err := r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(score), Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", r.key, err)
	}
	return nil
}

// UpsertMany 批次寫入
//
// 使用 MULTI/EXEC 包起來，其他客戶端不會看到寫到一半的分區
func (r *RedisIndex) UpsertMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		if e.Score < 0 {
			return apperrors.ErrInvalidScore.WithDetails(e.Member)
		}
		members = append(members, redis.Z{Score: float64(e.Score), Member: e.Member})
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// 分批送出，避免單一指令過大
		const chunk = 500
		for start := 0; start < len(members); start += chunk {
			end := min(start+chunk, len(members))
			pipe.ZAdd(ctx, r.key, members[start:end]...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("zadd batch %s: %w", r.key, err)
	}
	return nil
}

// RebuildWithTTL 批次寫入並重新設定 TTL，兩者在同一個 Lua 腳本中完成
//
// ttl 不為正數時等同 Clear
func (r *RedisIndex) RebuildWithTTL(ctx context.Context, entries []Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Clear(ctx)
	}

	args := make([]any, 0, 1+2*len(entries))
	args = append(args, ttl.Milliseconds())
	for _, e := range entries {
		if e.Score < 0 {
			return apperrors.ErrInvalidScore.WithDetails(e.Member)
		}
		args = append(args, strconv.FormatInt(e.Score, 10), e.Member)
	}

	if err := r.rebuild.Run(ctx, r.client, []string{r.key}, args...).Err(); err != nil {
		return fmt.Errorf("rebuild %s: %w", r.key, err)
	}
	return nil
}

// Rank 查詢排名（ZREVRANK）
func (r *RedisIndex) Rank(ctx context.Context, member string) (int64, bool, error) {
	rank, err := r.client.ZRevRank(ctx, r.key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zrevrank %s: %w", r.key, err)
	}
	return rank, true, nil
}

// Score 查詢分數（ZSCORE）
func (r *RedisIndex) Score(ctx context.Context, member string) (int64, bool, error) {
	score, err := r.client.ZScore(ctx, r.key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", r.key, err)
	}
	return int64(score), true, nil
}

// TopK 前 k 名（ZREVRANGE WITHSCORES）
func (r *RedisIndex) TopK(ctx context.Context, k int) ([]Entry, error) {
	if k <= 0 {
		return []Entry{}, nil
	}

	zs, err := r.client.ZRevRangeWithScores(ctx, r.key, 0, int64(k-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", r.key, err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		entries = append(entries, Entry{Member: member, Score: int64(z.Score)})
	}
	return entries, nil
}

// Cardinality 成員數（ZCARD）
func (r *RedisIndex) Cardinality(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", r.key, err)
	}
	return n, nil
}

// Expire 設定分區存活時間（EXPIRE）
func (r *RedisIndex) Expire(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Clear(ctx)
	}
	if err := r.client.Expire(ctx, r.key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", r.key, err)
	}
	return nil
}

// Clear 清空分區（DEL）
func (r *RedisIndex) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", r.key, err)
	}
	return nil
}

package rank

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// PeriodScores 一位成員在四個週期的累積分數
type PeriodScores struct {
	Daily   int64 `json:"daily"`
	Weekly  int64 `json:"weekly"`
	Monthly int64 `json:"monthly"`
	Yearly  int64 `json:"yearly"`
}

// For 取出指定週期的分數
func (s PeriodScores) For(p Period) int64 {
	switch p {
	case Daily:
		return s.Daily
	case Weekly:
		return s.Weekly
	case Monthly:
		return s.Monthly
	case Yearly:
		return s.Yearly
	default:
		return 0
	}
}

// MemberRank 單一成員在某週期的排名
type MemberRank struct {
	Period Period `json:"period"`
	Member string `json:"member_id"`
	Rank   int64  `json:"rank"`
	Score  int64  `json:"score"`
}

// RebuildStats 重建結果
type RebuildStats struct {
	Members  int           `json:"members"`
	Upserts  int           `json:"upserts"`
	Duration time.Duration `json:"duration"`
}

// Board 多週期排行榜
type Board struct {
	indexes map[Period]Index
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBoard 以 factory 為每個週期建立索引
func NewBoard(factory func(Period) Index, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Board {
	indexes := make(map[Period]Index, len(Periods))
	for _, p := range Periods {
		indexes[p] = factory(p)
	}
	return &Board{
		indexes: indexes,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
	}
}

// NewMemoryBoard 記憶體版排行榜
func NewMemoryBoard(ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Board {
	return NewBoard(func(Period) Index { return NewMemoryIndex() }, ttl, m, logger)
}

// NewRedisBoard Redis 版排行榜，key 為 "<prefix>:<period>"
func NewRedisBoard(client *redis.Client, prefix string, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Board {
	return NewBoard(func(p Period) Index {
		return NewRedisIndex(client, fmt.Sprintf("%s:%s", prefix, p))
	}, ttl, m, logger)
}

// Index 取得週期的索引
func (b *Board) Index(p Period) (Index, error) {
	idx, ok := b.indexes[p]
	if !ok {
		if _, err := ParsePeriod(string(p)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("period %s not configured", p)
	}
	return idx, nil
}

// Rebuild 以外部來源重新填入所有週期
//
// 只寫入 feed 中的成員，不在 feed 中的舊資料保留；
// 需要全新狀態的呼叫者應先 Clear。每個週期寫入後重新設定 TTL
func (b *Board) Rebuild(ctx context.Context, feed map[string]PeriodScores) (RebuildStats, error) {
	start := time.Now()
	stats := RebuildStats{Members: len(feed)}

	members := make([]string, 0, len(feed))
	for member := range feed {
		members = append(members, member)
	}
	slices.Sort(members)

	for _, p := range Periods {
		entries := make([]Entry, 0, len(members))
		for _, member := range members {
			entries = append(entries, Entry{Member: member, Score: feed[member].For(p)})
		}

		if err := b.rebuildPeriod(ctx, b.indexes[p], entries); err != nil {
			return stats, fmt.Errorf("rebuild %s: %w", p, err)
		}

		stats.Upserts += len(entries)
		b.metrics.RankUpserts.WithLabelValues(string(p)).Add(float64(len(entries)))
	}

	stats.Duration = time.Since(start)
	b.metrics.RankRebuilds.Inc()
	b.logger.Debug("排行榜重建完成",
		"members", stats.Members,
		"upserts", stats.Upserts,
		"duration", stats.Duration)

	return stats, nil
}

// ttlRebuilder 能在單一原子操作中寫入並設定 TTL 的索引
type ttlRebuilder interface {
	RebuildWithTTL(ctx context.Context, entries []Entry, ttl time.Duration) error
}

func (b *Board) rebuildPeriod(ctx context.Context, idx Index, entries []Entry) error {
	if r, ok := idx.(ttlRebuilder); ok {
		return r.RebuildWithTTL(ctx, entries, b.ttl)
	}
	if err := idx.UpsertMany(ctx, entries); err != nil {
		return err
	}
	if err := idx.Expire(ctx, b.ttl); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

// Clear 清空週期
func (b *Board) Clear(ctx context.Context, p Period) error {
	idx, err := b.Index(p)
	if err != nil {
		return err
	}
	return idx.Clear(ctx)
}

// Top 週期前 k 名
func (b *Board) Top(ctx context.Context, p Period, k int) ([]Entry, error) {
	idx, err := b.Index(p)
	if err != nil {
		return nil, err
	}
	return idx.TopK(ctx, k)
}

// Lookup 查詢成員排名與分數
func (b *Board) Lookup(ctx context.Context, p Period, member string) (MemberRank, bool, error) {
	idx, err := b.Index(p)
	if err != nil {
		return MemberRank{}, false, err
	}

	rank, found, err := idx.Rank(ctx, member)
	if err != nil || !found {
		return MemberRank{}, false, err
	}
	score, found, err := idx.Score(ctx, member)
	if err != nil || !found {
		// 兩次查詢之間分區剛好到期
		return MemberRank{}, false, err
	}

	return MemberRank{Period: p, Member: member, Rank: rank, Score: score}, true, nil
}

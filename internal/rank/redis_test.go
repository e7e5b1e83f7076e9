package rank_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	"github.com/koopa0/system-design/14-study-lobby/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisIndex_Integration 使用真實 Redis 測試 Sorted Set 實作
func TestRedisIndex_Integration(t *testing.T) {
	client := testutils.SetupRedis(t)
	ctx := context.Background()

	var seq int
	testIndexContract(t, func(t *testing.T) rank.Index {
		seq++
		return rank.NewRedisIndex(client, fmt.Sprintf("test:contract:%d", seq))
	})

	t.Run("tie break is reverse lexicographic", func(t *testing.T) {
		idx := rank.NewRedisIndex(client, "test:tie")
		require.NoError(t, idx.UpsertMany(ctx, []rank.Entry{
			{Member: "alice", Score: 10},
			{Member: "bob", Score: 10},
			{Member: "carol", Score: 10},
		}))

		top, err := idx.TopK(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"carol", "bob", "alice"}, members(top))

		// 反覆查詢結果固定
		for range 3 {
			r, found, err := idx.Rank(ctx, "bob")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, int64(1), r)
		}
	})

	t.Run("expire arms key ttl", func(t *testing.T) {
		idx := rank.NewRedisIndex(client, "test:ttl")
		require.NoError(t, idx.Upsert(ctx, "alice", 1))
		require.NoError(t, idx.Expire(ctx, 24*time.Hour))

		ttl, err := client.TTL(ctx, idx.Key()).Result()
		require.NoError(t, err)
		assert.InDelta(t, (24 * time.Hour).Seconds(), ttl.Seconds(), 5)

		require.NoError(t, idx.Expire(ctx, 200*time.Millisecond))
		require.Eventually(t, func() bool {
			n, err := idx.Cardinality(ctx)
			return err == nil && n == 0
		}, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("board on redis", func(t *testing.T) {
		board := rank.NewRedisBoard(client, "test:board", 24*time.Hour, metrics.New(), testutils.Logger())

		_, err := board.Rebuild(ctx, map[string]rank.PeriodScores{
			"alice": {Daily: 10, Weekly: 40, Monthly: 100, Yearly: 900},
			"bob":   {Daily: 20, Weekly: 30, Monthly: 100, Yearly: 100},
		})
		require.NoError(t, err)

		top, err := board.Top(ctx, rank.Daily, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob", "alice"}, members(top))

		for _, p := range rank.Periods {
			ttl, err := client.TTL(ctx, "test:board:"+string(p)).Result()
			require.NoError(t, err)
			assert.Greater(t, ttl, time.Duration(0), "period %s should carry a ttl", p)
		}
	})

	t.Run("rebuild with ttl writes and arms expiry together", func(t *testing.T) {
		idx := rank.NewRedisIndex(client, "test:rebuild")
		require.NoError(t, idx.RebuildWithTTL(ctx, []rank.Entry{
			{Member: "alice", Score: 30},
			{Member: "bob", Score: 50},
		}, time.Hour))

		ttl, err := client.TTL(ctx, idx.Key()).Result()
		require.NoError(t, err)
		assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

		top, err := idx.TopK(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []rank.Entry{{Member: "bob", Score: 50}, {Member: "alice", Score: 30}}, top)

		// 追加式：既有成員保留，TTL 重新設定
		require.NoError(t, client.Persist(ctx, idx.Key()).Err())
		require.NoError(t, idx.RebuildWithTTL(ctx, []rank.Entry{{Member: "alice", Score: 70}}, 2*time.Hour))

		ttl, err = client.TTL(ctx, idx.Key()).Result()
		require.NoError(t, err)
		assert.InDelta(t, (2 * time.Hour).Seconds(), ttl.Seconds(), 5)

		n, err := idx.Cardinality(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		score, found, err := idx.Score(ctx, "alice")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(70), score)

		// 負分整批拒絕
		err = idx.RebuildWithTTL(ctx, []rank.Entry{{Member: "carol", Score: -1}}, time.Hour)
		assert.Error(t, err)
		_, found, err = idx.Score(ctx, "carol")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

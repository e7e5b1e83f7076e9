package rank

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sortedReference 以排序建立期望順序
func sortedReference(scores map[string]int64) []Entry {
	entries := make([]Entry, 0, len(scores))
	for member, score := range scores {
		entries = append(entries, Entry{Member: member, Score: score})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if a.Member < b.Member {
			return -1
		}
		if a.Member > b.Member {
			return 1
		}
		return 0
	})
	return entries
}

// TestSkipList_MatchesSortedReference 隨機操作後與排序結果比對
func TestSkipList_MatchesSortedReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	sl := newSkipList()
	scores := make(map[string]int64)

	for i := range 5000 {
		member := fmt.Sprintf("m%03d", rng.IntN(300))
		score := int64(rng.IntN(50)) // 小範圍分數，製造大量同分

		if old, ok := scores[member]; ok {
			if i%7 == 0 {
				require.True(t, sl.remove(member, old))
				delete(scores, member)
				continue
			}
			require.True(t, sl.remove(member, old))
		}
		sl.insert(member, score)
		scores[member] = score
	}

	want := sortedReference(scores)
	require.Equal(t, len(want), sl.length)
	assert.Equal(t, want, sl.rangeFrom(0, sl.length))

	for i, e := range want {
		assert.Equal(t, i, sl.rank(e.Member, e.Score), "rank of %s", e.Member)
		node := sl.byRank(i)
		require.NotNil(t, node)
		assert.Equal(t, e.Member, node.member)
	}

	// 倒序走訪 backward 指標
	var backward []Entry
	for x := sl.tail; x != nil; x = x.backward {
		backward = append(backward, Entry{Member: x.member, Score: x.score})
	}
	slices.Reverse(backward)
	assert.Equal(t, want, backward)
}

// TestSkipList_EdgeCases 測試邊界情況
func TestSkipList_EdgeCases(t *testing.T) {
	sl := newSkipList()

	assert.Equal(t, -1, sl.rank("ghost", 1))
	assert.False(t, sl.remove("ghost", 1))
	assert.Nil(t, sl.byRank(0))
	assert.Empty(t, sl.rangeFrom(0, 10))

	sl.insert("alice", 10)
	sl.insert("bob", 10)
	sl.insert("carol", 20)

	assert.False(t, sl.remove("alice", 11), "分數不符不應刪除")
	assert.Equal(t, []Entry{{"carol", 20}, {"alice", 10}, {"bob", 10}}, sl.rangeFrom(0, 10))
	assert.Equal(t, []Entry{{"alice", 10}, {"bob", 10}}, sl.rangeFrom(1, 2))
	assert.Empty(t, sl.rangeFrom(3, 1))
	assert.Empty(t, sl.rangeFrom(0, 0))

	require.True(t, sl.remove("carol", 20))
	require.True(t, sl.remove("alice", 10))
	require.True(t, sl.remove("bob", 10))
	assert.Equal(t, 0, sl.length)
	assert.Nil(t, sl.tail)
	assert.Equal(t, 1, sl.level)
}

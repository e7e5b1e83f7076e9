package rank

import "math/rand/v2"

const (
	skipMaxLevel = 32
	skipP        = 0.25
)

// skipList 帶跨度計數的跳表
//
// 排序：分數由高到低，同分時依 member 字典序由小到大。
// 每一層的 span 記錄到下一個節點之間跨過幾個元素，
// 沿路累加即可在 O(log N) 得到排名
type skipList struct {
	head   *skipNode
	tail   *skipNode
	length int
	level  int
}

type skipNode struct {
	member   string
	score    int64
	backward *skipNode
	levels   []skipLevel
}

type skipLevel struct {
	forward *skipNode
	span    int
}

func newSkipList() *skipList {
	return &skipList{
		head:  &skipNode{levels: make([]skipLevel, skipMaxLevel)},
		level: 1,
	}
}

// before 節點 n 是否排在 (score, member) 之前
func (n *skipNode) before(score int64, member string) bool {
	if n.score != score {
		return n.score > score
	}
	return n.member < member
}

func randomLevel() int {
	level := 1
	for level < skipMaxLevel && rand.Float64() < skipP {
		level++
	}
	return level
}

// insert 插入新元素，呼叫者需確保 member 不存在
func (sl *skipList) insert(member string, score int64) {
	var update [skipMaxLevel]*skipNode
	var rank [skipMaxLevel]int

	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		if i < sl.level-1 {
			rank[i] = rank[i+1]
		}
		for x.levels[i].forward != nil && x.levels[i].forward.before(score, member) {
			rank[i] += x.levels[i].span
			x = x.levels[i].forward
		}
		update[i] = x
	}

	level := randomLevel()
	if level > sl.level {
		for i := sl.level; i < level; i++ {
			rank[i] = 0
			update[i] = sl.head
			update[i].levels[i].span = sl.length
		}
		sl.level = level
	}

	x = &skipNode{member: member, score: score, levels: make([]skipLevel, level)}
	for i := 0; i < level; i++ {
		x.levels[i].forward = update[i].levels[i].forward
		update[i].levels[i].forward = x

		x.levels[i].span = update[i].levels[i].span - (rank[0] - rank[i])
		update[i].levels[i].span = rank[0] - rank[i] + 1
	}
	// 更高的層只是多跨過一個元素
	for i := level; i < sl.level; i++ {
		update[i].levels[i].span++
	}

	if update[0] != sl.head {
		x.backward = update[0]
	}
	if x.levels[0].forward != nil {
		x.levels[0].forward.backward = x
	} else {
		sl.tail = x
	}
	sl.length++
}

// remove 刪除元素，score 必須是目前儲存的分數
func (sl *skipList) remove(member string, score int64) bool {
	var update [skipMaxLevel]*skipNode

	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && x.levels[i].forward.before(score, member) {
			x = x.levels[i].forward
		}
		update[i] = x
	}

	x = x.levels[0].forward
	if x == nil || x.score != score || x.member != member {
		return false
	}

	for i := 0; i < sl.level; i++ {
		if update[i].levels[i].forward == x {
			update[i].levels[i].span += x.levels[i].span - 1
			update[i].levels[i].forward = x.levels[i].forward
		} else {
			update[i].levels[i].span--
		}
	}
	if x.levels[0].forward != nil {
		x.levels[0].forward.backward = x.backward
	} else {
		sl.tail = x.backward
	}
	for sl.level > 1 && sl.head.levels[sl.level-1].forward == nil {
		sl.level--
	}
	sl.length--
	return true
}

// rank 返回 0 起算的排名，找不到返回 -1
func (sl *skipList) rank(member string, score int64) int {
	rank := 0
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil {
			next := x.levels[i].forward
			if !next.before(score, member) && (next.score != score || next.member != member) {
				break
			}
			rank += x.levels[i].span
			x = next
		}
		if x != sl.head && x.member == member {
			return rank - 1
		}
	}
	return -1
}

// byRank 返回 0 起算排名所在的節點
func (sl *skipList) byRank(rank int) *skipNode {
	if rank < 0 || rank >= sl.length {
		return nil
	}

	target := rank + 1
	traversed := 0
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.levels[i].forward != nil && traversed+x.levels[i].span <= target {
			traversed += x.levels[i].span
			x = x.levels[i].forward
		}
		if traversed == target {
			return x
		}
	}
	return nil
}

// rangeFrom 從 offset 開始依序取最多 limit 個元素
func (sl *skipList) rangeFrom(offset, limit int) []Entry {
	if limit <= 0 || offset >= sl.length {
		return []Entry{}
	}
	if remaining := sl.length - offset; limit > remaining {
		limit = remaining
	}

	result := make([]Entry, 0, limit)
	for x := sl.byRank(offset); x != nil && len(result) < limit; x = x.levels[0].forward {
		result = append(result, Entry{Member: x.member, Score: x.score})
	}
	return result
}

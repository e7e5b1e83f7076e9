// Package presence 記錄每個連線所在的大廳
//
// 純記憶體結構，不做任何網路呼叫；只由 realtime.Manager 修改。
package presence

import (
	"slices"
	"sync"
)

// Registry 大廳成員登記表
//
// 兩個方向的映射：
//   - members: lobbyCode -> identity 集合（廣播時使用）
//   - lobbyOf: identity -> lobbyCode（每個身分最多屬於一個大廳）
//
// 所有方法都只持有短暫的鎖，不會阻塞
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
	lobbyOf map[string]string
}

// NewRegistry 創建登記表
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]map[string]struct{}),
		lobbyOf: make(map[string]string),
	}
}

// Join 將身分加入大廳，返回先前所在的大廳（沒有則為空字串）
//
// 已在其他大廳時會先離開，維持「最多一個大廳」的不變量
func (r *Registry) Join(identity, lobbyCode string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.lobbyOf[identity]
	if previous == lobbyCode {
		return previous
	}
	if previous != "" {
		r.removeLocked(identity, previous)
	}

	set, ok := r.members[lobbyCode]
	if !ok {
		set = make(map[string]struct{})
		r.members[lobbyCode] = set
	}
	set[identity] = struct{}{}
	r.lobbyOf[identity] = lobbyCode

	return previous
}

// Leave 將身分移出所在大廳，返回離開的大廳代碼
func (r *Registry) Leave(identity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lobbyCode, ok := r.lobbyOf[identity]
	if !ok {
		return "", false
	}
	r.removeLocked(identity, lobbyCode)
	return lobbyCode, true
}

func (r *Registry) removeLocked(identity, lobbyCode string) {
	delete(r.lobbyOf, identity)
	if set, ok := r.members[lobbyCode]; ok {
		delete(set, identity)
		// 空大廳直接移除，避免 map 無限成長
		if len(set) == 0 {
			delete(r.members, lobbyCode)
		}
	}
}

// LobbyOf 查詢身分所在的大廳
func (r *Registry) LobbyOf(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lobbyCode, ok := r.lobbyOf[identity]
	return lobbyCode, ok
}

// Members 返回大廳成員快照（已排序）
func (r *Registry) Members(lobbyCode string) []string {
	r.mu.RLock()
	set := r.members[lobbyCode]
	result := make([]string, 0, len(set))
	for identity := range set {
		result = append(result, identity)
	}
	r.mu.RUnlock()

	slices.Sort(result)
	return result
}

// LobbyCount 返回目前有成員的大廳數量
func (r *Registry) LobbyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Snapshot 返回每個大廳的成員數
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int, len(r.members))
	for lobbyCode, set := range r.members {
		result[lobbyCode] = len(set)
	}
	return result
}

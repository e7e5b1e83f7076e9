// Package jobs 實作由排程器監管的週期性任務：同步、重置、快取清理
package jobs

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/cache"
	"github.com/koopa0/system-design/14-study-lobby/internal/config"
	"github.com/koopa0/system-design/14-study-lobby/internal/orchestrator"
	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// 任務名稱
const (
	SyncJobName  = "sync"
	ResetJobName = "reset"
	SweepJobName = "cache-sweep"
)

// Source 權威資料來源（PostgreSQL）
type Source interface {
	Totals(ctx context.Context, now time.Time) (map[string]rank.PeriodScores, error)
}

// Rebuilder 接收完整資料並重建排行榜
type Rebuilder interface {
	Rebuild(ctx context.Context, feed map[string]rank.PeriodScores) (rank.RebuildStats, error)
}

// UserDirectory 批次讀取使用者資訊
type UserDirectory interface {
	UserInfos(ctx context.Context, userIDs []string) ([]cache.UserInfo, error)
}

// CacheWarmer 寫入使用者資訊快取
type CacheWarmer interface {
	Put(info cache.UserInfo)
}

// SyncJob 定期從資料庫拉取學習時數並重建排行榜
//
// 設定 WithUserCache 後，重建完成會順便把榜上使用者的資訊寫進快取，
// 排行榜查詢不必逐一回資料庫。預熱失敗只記錄警告
//
// 重試策略：指數退避
//
//	第 n 次連續失敗後等待 base × 2^(n-1)，上限為正常間隔
//	base=5s → 5s, 10s, 20s, 40s ... interval
type SyncJob struct {
	source    Source
	board     Rebuilder
	interval  time.Duration
	baseDelay time.Duration
	now       func() time.Time
	logger    *slog.Logger

	directory UserDirectory
	warmer    CacheWarmer

	mu          sync.Mutex
	lastSuccess time.Time
	members     int
	warmed      int
	failures    int
}

// NewSyncJob 創建同步任務
func NewSyncJob(source Source, board Rebuilder, cfg config.SyncJobConfig, logger *slog.Logger) *SyncJob {
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	return &SyncJob{
		source:    source,
		board:     board,
		interval:  cfg.Interval,
		baseDelay: base,
		now:       time.Now,
		logger:    logger.With("job", SyncJobName),
	}
}

// WithClock 替換時間來源（測試用）
func (j *SyncJob) WithClock(now func() time.Time) *SyncJob {
	j.now = now
	return j
}

// WithUserCache 重建後預熱使用者資訊快取
func (j *SyncJob) WithUserCache(directory UserDirectory, warmer CacheWarmer) *SyncJob {
	j.directory = directory
	j.warmer = warmer
	return j
}

// Name 任務名稱
func (j *SyncJob) Name() string { return SyncJobName }

// Run 拉取並重建一次
func (j *SyncJob) Run(ctx context.Context) orchestrator.Result {
	feed, err := j.source.Totals(ctx, j.now())
	if err != nil {
		return j.fail(ctx, err)
	}

	stats, err := j.board.Rebuild(ctx, feed)
	if err != nil {
		return j.fail(ctx, err)
	}

	warmed := j.warm(ctx, feed)

	j.mu.Lock()
	j.lastSuccess = j.now()
	j.members = stats.Members
	j.warmed = warmed
	j.failures = 0
	j.mu.Unlock()

	j.logger.Info("排行榜同步完成",
		"members", stats.Members,
		"upserts", stats.Upserts,
		"warmed", warmed,
		"duration", stats.Duration)
	return orchestrator.Success()
}

// warm 預熱快取，返回寫入筆數
func (j *SyncJob) warm(ctx context.Context, feed map[string]rank.PeriodScores) int {
	if j.directory == nil || j.warmer == nil || len(feed) == 0 {
		return 0
	}

	ids := slices.Sorted(maps.Keys(feed))
	infos, err := j.directory.UserInfos(ctx, ids)
	if err != nil {
		j.logger.Warn("預熱使用者快取失敗", "error", err)
		return 0
	}
	for _, info := range infos {
		j.warmer.Put(info)
	}
	return len(infos)
}

func (j *SyncJob) fail(ctx context.Context, err error) orchestrator.Result {
	// 取消造成的失敗不計入退避
	if ctx.Err() != nil {
		return orchestrator.Failure(ctx.Err())
	}

	j.mu.Lock()
	j.failures++
	j.mu.Unlock()

	return orchestrator.Failure(apperrors.Transient(err))
}

// NextDelay 第一次立即執行；成功後等待正常間隔；失敗時指數退避
func (j *SyncJob) NextDelay(last orchestrator.Result) time.Duration {
	switch last.Kind {
	case orchestrator.Pending:
		return 0
	case orchestrator.Failed:
		j.mu.Lock()
		n := j.failures
		j.mu.Unlock()
		return Backoff(j.baseDelay, n, j.interval)
	default:
		return j.interval
	}
}

// Status 同步狀態
func (j *SyncJob) Status() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := map[string]any{
		"members":              j.members,
		"warmed":               j.warmed,
		"consecutive_failures": j.failures,
	}
	if !j.lastSuccess.IsZero() {
		st["last_success"] = j.lastSuccess
	}
	return st
}

// Backoff 計算第 attempt 次重試的等待時間：base × 2^(attempt-1)，不超過 limit
func Backoff(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 避免位移溢位
	if attempt > 30 {
		return limit
	}
	delay := time.Duration(1<<(attempt-1)) * base
	if limit > 0 && (delay > limit || delay <= 0) {
		return limit
	}
	return delay
}

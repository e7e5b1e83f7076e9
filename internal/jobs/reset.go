package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/orchestrator"
	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// resetRetryDelay 清空失敗時的重試間隔
const resetRetryDelay = time.Minute

// Clearer 清空排行榜週期
type Clearer interface {
	Clear(ctx context.Context, p rank.Period) error
}

// ResetJob 每日午夜重置排行榜
//
// 每天午夜清空 daily；星期一另外清空 weekly，
// 每月 1 日清空 monthly，1 月 1 日清空 yearly。
// 清空失敗的週期保留下來，一分鐘後重試，直到全部完成才排下一個午夜
type ResetJob struct {
	board  Clearer
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	next      time.Time     // 下一個要處理的午夜
	pending   []rank.Period // 上次失敗、尚未清空的週期
	lastReset time.Time
	cleared   []rank.Period
}

// NewResetJob 創建重置任務
func NewResetJob(board Clearer, loc *time.Location, logger *slog.Logger) *ResetJob {
	if loc == nil {
		loc = time.UTC
	}
	return &ResetJob{
		board:  board,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("job", ResetJobName),
	}
}

// WithClock 替換時間來源（測試用）
func (j *ResetJob) WithClock(now func() time.Time) *ResetJob {
	j.now = now
	return j
}

// Name 任務名稱
func (j *ResetJob) Name() string { return ResetJobName }

// NextDelay 等到下一個午夜；有未完成的週期時短暫等待後重試
func (j *ResetJob) NextDelay(last orchestrator.Result) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	if last.Kind == orchestrator.Failed && len(j.pending) > 0 {
		return resetRetryDelay
	}

	now := j.now()
	j.next = rank.NextMidnight(now, j.loc)
	j.pending = nil

	j.logger.Debug("下次重置時間", "next_reset", j.next.Format("2006-01-02 15:04:05"))
	return j.next.Sub(now)
}

// Run 清空到期的週期
func (j *ResetJob) Run(ctx context.Context) orchestrator.Result {
	j.mu.Lock()
	midnight := j.next
	periods := j.pending
	if len(periods) == 0 {
		periods = rank.PeriodsEndingAt(midnight, j.loc)
	}
	j.mu.Unlock()

	start := time.Now()
	var (
		failed []rank.Period
		errs   []error
	)
	for _, p := range periods {
		if err := j.board.Clear(ctx, p); err != nil {
			failed = append(failed, p)
			errs = append(errs, fmt.Errorf("clear %s: %w", p, err))
			j.logger.Error("重置週期失敗", "period", p, "error", err)
			continue
		}
		j.logger.Info("週期已重置", "period", p, "date", midnight.AddDate(0, 0, -1).Format("2006-01-02"))
	}

	j.mu.Lock()
	j.pending = failed
	if len(failed) == 0 {
		j.lastReset = midnight
		j.cleared = periods
	}
	j.mu.Unlock()

	if len(errs) > 0 {
		return orchestrator.Failure(apperrors.Transient(errors.Join(errs...)))
	}

	j.logger.Info("排行榜重置完成",
		"periods", len(periods),
		"duration", time.Since(start))
	return orchestrator.Success()
}

// Status 重置狀態
func (j *ResetJob) Status() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := map[string]any{}
	if !j.next.IsZero() {
		st["next_reset"] = j.next
	}
	if !j.lastReset.IsZero() {
		st["last_reset"] = j.lastReset
		st["last_cleared"] = j.cleared
	}
	if len(j.pending) > 0 {
		st["pending"] = j.pending
	}
	return st
}

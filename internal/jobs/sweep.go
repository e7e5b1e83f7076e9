package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/cache"
	"github.com/koopa0/system-design/14-study-lobby/internal/config"
	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/koopa0/system-design/14-study-lobby/internal/orchestrator"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// Sweeper 清除過期快取項目
type Sweeper interface {
	Sweep(ctx context.Context) (cache.SweepStats, error)
}

// SweepJob 定期清除使用者資訊快取中的過期項目
//
// 正常間隔 30 分鐘；失敗後只等冷卻時間（5 分鐘）就再試
type SweepJob struct {
	sweeper  Sweeper
	interval time.Duration
	cooldown time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	lastSweep time.Time
	lastStats cache.SweepStats
}

// NewSweepJob 創建快取清理任務
func NewSweepJob(sweeper Sweeper, cfg config.SweepJobConfig, m *metrics.Metrics, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		sweeper:  sweeper,
		interval: cfg.Interval,
		cooldown: cfg.Cooldown,
		metrics:  m,
		logger:   logger.With("job", SweepJobName),
	}
}

// Name 任務名稱
func (j *SweepJob) Name() string { return SweepJobName }

// NextDelay 失敗後等冷卻時間，其餘等正常間隔
func (j *SweepJob) NextDelay(last orchestrator.Result) time.Duration {
	if last.Kind == orchestrator.Failed {
		return j.cooldown
	}
	return j.interval
}

// Run 清理一次
func (j *SweepJob) Run(ctx context.Context) orchestrator.Result {
	stats, err := j.sweeper.Sweep(ctx)
	if err != nil {
		j.logger.Warn("快取清理失敗", "error", err, "cooldown", j.cooldown)
		return orchestrator.Failure(apperrors.Transient(err))
	}

	j.mu.Lock()
	j.lastSweep = time.Now()
	j.lastStats = stats
	j.mu.Unlock()

	j.metrics.CacheEvictions.Add(float64(stats.Removed))
	j.logger.Info("快取清理完成",
		"removed", stats.Removed,
		"retained", stats.Retained)
	return orchestrator.Success()
}

// Status 清理狀態
func (j *SweepJob) Status() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := map[string]any{
		"last_removed":  j.lastStats.Removed,
		"last_retained": j.lastStats.Retained,
	}
	if !j.lastSweep.IsZero() {
		st["last_sweep"] = j.lastSweep
	}
	return st
}

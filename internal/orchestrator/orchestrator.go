// Package orchestrator 監管週期性背景任務的啟動與停止
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// State 排程器狀態
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

// String 返回狀態名稱
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Orchestrator 任務排程器
//
// 狀態機：Stopped → Starting → Running → Stopping → Stopped
//
// 併發設計：
//   - transition 鎖保證 Start/Stop 同一時間只有一個在做狀態轉換
//   - running 旗標讓單元在每次睡醒後檢查是否該結束
//   - 所有單元共用一個 context，Stop 時取消，睡眠中的單元立即醒來
//   - WaitGroup 由排程器持有，Stop 返回前等待所有單元結束
type Orchestrator struct {
	jobs    []Job
	metrics *metrics.Metrics
	logger  *slog.Logger

	transition sync.Mutex
	running    atomic.Bool

	mu     sync.RWMutex // 保護 state、units、cancel
	state  State
	units  map[string]*unit
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New 創建排程器
//
// 任務名稱不可為空也不可重複
func New(jobs []Job, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		name := job.Name()
		if name == "" {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "job name is empty")
		}
		if seen[name] {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "duplicate job name").WithDetails(name)
		}
		seen[name] = true
	}

	return &Orchestrator{
		jobs:    jobs,
		metrics: m,
		logger:  logger,
		units:   make(map[string]*unit),
	}, nil
}

// Start 為每個任務啟動一個單元
//
// 已在運行時記錄警告並返回 false
func (o *Orchestrator) Start() bool {
	o.transition.Lock()
	defer o.transition.Unlock()

	if state := o.State(); state != Stopped {
		o.logger.Warn("排程器已在運行，忽略 start",
			"state", state.String(),
			"error", apperrors.ErrAlreadyRunning)
		return false
	}

	o.setState(Starting)

	ctx, cancel := context.WithCancel(context.Background())
	units := make(map[string]*unit, len(o.jobs))
	for _, job := range o.jobs {
		units[job.Name()] = newUnit(job)
	}

	o.mu.Lock()
	o.units = units
	o.cancel = cancel
	o.mu.Unlock()

	o.running.Store(true)
	for _, job := range o.jobs {
		u := units[job.Name()]
		o.wg.Add(1)
		o.metrics.JobsRunning.Inc()
		go o.loop(ctx, u)
	}

	o.setState(Running)
	o.logger.Info("排程器已啟動", "jobs", len(o.jobs))
	return true
}

// Stop 停止所有單元並等待它們結束
//
// 未運行時記錄警告並返回 nil。
// 有任務主動終止時，返回其終止錯誤（清理完成之後）
func (o *Orchestrator) Stop() error {
	o.transition.Lock()
	defer o.transition.Unlock()

	if state := o.State(); state != Running {
		o.logger.Warn("排程器未運行，忽略 stop",
			"state", state.String(),
			"error", apperrors.ErrNotRunning)
		return nil
	}

	start := time.Now()
	o.setState(Stopping)

	// 1. 不再接受新的迭代
	o.running.Store(false)

	// 2. 取消仍在睡眠或執行中的單元（已結束的單元不受影響）
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	cancel()

	// 3. 等待所有單元結束
	o.wg.Wait()

	o.setState(Stopped)
	o.logger.Info("排程器已停止", "duration", time.Since(start))

	return o.terminationErrors()
}

// State 返回目前狀態
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Running 是否處於運行狀態
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Status 排程器整體狀態
type Status struct {
	State string                `json:"state"`
	Units map[string]UnitStatus `json:"units"`
}

// UnitStatus 單一任務的狀態
type UnitStatus struct {
	Exists     bool           `json:"exists"`
	Terminated bool           `json:"terminated"`
	Iterations int64          `json:"iterations"`
	Failures   int64          `json:"failures"`
	LastError  string         `json:"last_error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Status 返回每個任務的單元狀態
//
// 從未啟動過的任務 Exists 為 false
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	state := o.state
	units := o.units
	o.mu.RUnlock()

	st := Status{
		State: state.String(),
		Units: make(map[string]UnitStatus, len(o.jobs)),
	}
	for _, job := range o.jobs {
		us := UnitStatus{}
		if u, ok := units[job.Name()]; ok {
			us = u.status()
		}
		if r, ok := job.(StatusReporter); ok {
			us.Detail = r.Status()
		}
		st.Units[job.Name()] = us
	}
	return st
}

func (o *Orchestrator) terminationErrors() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var errs []error
	for _, job := range o.jobs {
		if u, ok := o.units[job.Name()]; ok {
			if err := u.terminationErr(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// loop 單元主迴圈
func (o *Orchestrator) loop(ctx context.Context, u *unit) {
	name := u.job.Name()
	logger := o.logger.With("job", name)

	defer func() {
		u.markDone()
		o.metrics.JobsRunning.Dec()
		o.wg.Done()
		logger.Debug("任務單元結束")
	}()

	last := Result{Kind: Pending}
	for {
		if delay := u.job.NextDelay(last); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		// 睡醒後重新確認，Stop 之後不再開始新的迭代
		if !o.running.Load() || ctx.Err() != nil {
			return
		}

		last = o.iterate(ctx, u)
		u.record(last)
		o.metrics.JobIterations.WithLabelValues(name, last.Kind.String()).Inc()

		switch last.Kind {
		case Failed:
			logger.Warn("任務執行失敗，繼續下一輪", "error", last.Err)
		case Terminated:
			err := last.Err
			if err == nil {
				err = apperrors.Terminated(nil)
			} else if !apperrors.IsTerminated(err) {
				err = apperrors.Terminated(err)
			}
			u.terminate(err)
			logger.Info("任務主動終止", "error", err)
			return
		}
	}
}

// iterate 執行一次任務，panic 視為暫時性失敗
func (o *Orchestrator) iterate(ctx context.Context, u *unit) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(apperrors.Transient(fmt.Errorf("panic: %v", r)))
		}
	}()
	return u.job.Run(ctx)
}

// unit 單一任務的監管單元
type unit struct {
	job  Job
	done chan struct{}

	iterations atomic.Int64
	failures   atomic.Int64

	mu         sync.Mutex
	lastErr    error
	terminated error
}

func newUnit(job Job) *unit {
	return &unit{
		job:  job,
		done: make(chan struct{}),
	}
}

func (u *unit) record(r Result) {
	u.iterations.Add(1)
	if r.Kind == Failed {
		u.failures.Add(1)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if r.Kind == Succeeded {
		u.lastErr = nil
	} else if r.Err != nil {
		u.lastErr = r.Err
	}
}

func (u *unit) terminate(err error) {
	u.mu.Lock()
	u.terminated = err
	u.mu.Unlock()
}

func (u *unit) terminationErr() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.terminated
}

func (u *unit) markDone() {
	close(u.done)
}

func (u *unit) finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

func (u *unit) status() UnitStatus {
	us := UnitStatus{
		Exists:     true,
		Terminated: u.finished(),
		Iterations: u.iterations.Load(),
		Failures:   u.failures.Load(),
	}

	u.mu.Lock()
	if u.lastErr != nil {
		us.LastError = u.lastErr.Error()
	}
	u.mu.Unlock()

	return us
}

package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/koopa0/system-design/14-study-lobby/internal/orchestrator"
	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
	"github.com/koopa0/system-design/14-study-lobby/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJob 可自訂行為的測試任務
type fakeJob struct {
	name  string
	delay func(last orchestrator.Result) time.Duration
	run   func(ctx context.Context, n int64) orchestrator.Result

	runs atomic.Int64
}

func (j *fakeJob) Name() string { return j.name }

func (j *fakeJob) Run(ctx context.Context) orchestrator.Result {
	n := j.runs.Add(1)
	if j.run == nil {
		return orchestrator.Success()
	}
	return j.run(ctx, n)
}

func (j *fakeJob) NextDelay(last orchestrator.Result) time.Duration {
	if j.delay == nil {
		return time.Hour
	}
	return j.delay(last)
}

func (j *fakeJob) Status() map[string]any {
	return map[string]any{"runs": j.runs.Load()}
}

func every(d time.Duration) func(orchestrator.Result) time.Duration {
	return func(orchestrator.Result) time.Duration { return d }
}

func newOrchestrator(t *testing.T, jobs ...orchestrator.Job) (*orchestrator.Orchestrator, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	o, err := orchestrator.New(jobs, m, logger.Discard())
	require.NoError(t, err)
	return o, m
}

// TestOrchestrator_New 測試任務名稱檢查
func TestOrchestrator_New(t *testing.T) {
	_, err := orchestrator.New([]orchestrator.Job{&fakeJob{name: "a"}, &fakeJob{name: "a"}}, metrics.New(), logger.Discard())
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = orchestrator.New([]orchestrator.Job{&fakeJob{}}, metrics.New(), logger.Discard())
	assert.True(t, apperrors.IsInvalidInput(err))
}

// TestOrchestrator_Lifecycle 測試狀態轉換與 status
func TestOrchestrator_Lifecycle(t *testing.T) {
	a := &fakeJob{name: "a"}
	b := &fakeJob{name: "b"}
	o, m := newOrchestrator(t, a, b)

	t.Run("before start units do not exist", func(t *testing.T) {
		st := o.Status()
		assert.Equal(t, "stopped", st.State)
		for _, name := range []string{"a", "b"} {
			assert.False(t, st.Units[name].Exists, name)
			assert.False(t, st.Units[name].Terminated, name)
		}
	})

	t.Run("stop while stopped is a no-op", func(t *testing.T) {
		assert.NoError(t, o.Stop())
		assert.Equal(t, orchestrator.Stopped, o.State())
	})

	t.Run("start", func(t *testing.T) {
		require.True(t, o.Start())
		assert.Equal(t, orchestrator.Running, o.State())
		assert.True(t, o.Running())

		st := o.Status()
		assert.Equal(t, "running", st.State)
		for _, name := range []string{"a", "b"} {
			assert.True(t, st.Units[name].Exists, name)
			assert.False(t, st.Units[name].Terminated, name)
			assert.Equal(t, int64(0), st.Units[name].Detail["runs"])
		}
		assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsRunning))
	})

	t.Run("stop", func(t *testing.T) {
		require.NoError(t, o.Stop())
		assert.Equal(t, orchestrator.Stopped, o.State())
		assert.False(t, o.Running())

		st := o.Status()
		for _, name := range []string{"a", "b"} {
			assert.True(t, st.Units[name].Exists, name)
			assert.True(t, st.Units[name].Terminated, name)
		}
		assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsRunning))
	})

	t.Run("restart", func(t *testing.T) {
		require.True(t, o.Start())
		st := o.Status()
		assert.False(t, st.Units["a"].Terminated, "重新啟動後是新的單元")
		require.NoError(t, o.Stop())
	})
}

// TestOrchestrator_DoubleStart 測試重複啟動只有一組單元
func TestOrchestrator_DoubleStart(t *testing.T) {
	var active, peak atomic.Int64
	job := &fakeJob{
		name:  "blocking",
		delay: every(0),
		run: func(ctx context.Context, _ int64) orchestrator.Result {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-ctx.Done()
			active.Add(-1)
			return orchestrator.Failure(ctx.Err())
		},
	}
	o, m := newOrchestrator(t, job)

	require.True(t, o.Start())
	assert.False(t, o.Start(), "第二次 start 是 no-op")

	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), peak.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsRunning))

	require.NoError(t, o.Stop())
	assert.Equal(t, int64(0), active.Load())
}

// TestOrchestrator_StopWaitsForUnits 測試 stop 返回時所有單元都已結束
func TestOrchestrator_StopWaitsForUnits(t *testing.T) {
	var cleaned atomic.Bool
	busy := &fakeJob{
		name:  "busy",
		delay: every(0),
		run: func(ctx context.Context, _ int64) orchestrator.Result {
			<-ctx.Done()
			// 模擬收尾工作
			time.Sleep(30 * time.Millisecond)
			cleaned.Store(true)
			return orchestrator.Failure(ctx.Err())
		},
	}
	sleeping := &fakeJob{name: "sleeping", delay: every(24 * time.Hour)}

	o, _ := newOrchestrator(t, busy, sleeping)
	require.True(t, o.Start())
	require.Eventually(t, func() bool { return busy.runs.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, o.Stop())

	assert.True(t, cleaned.Load(), "stop 必須等待執行中的單元收尾")
	assert.Less(t, time.Since(start), time.Second, "睡眠中的單元應該立即被喚醒")
	assert.Equal(t, int64(0), sleeping.runs.Load())

	for name, us := range o.Status().Units {
		assert.True(t, us.Terminated, name)
	}
}

// TestOrchestrator_StopImmediatelyAfterStart 測試啟動後立即停止
func TestOrchestrator_StopImmediatelyAfterStart(t *testing.T) {
	jobs := make([]orchestrator.Job, 0, 10)
	for i := range 10 {
		jobs = append(jobs, &fakeJob{name: string(rune('a' + i)), delay: every(time.Millisecond)})
	}
	o, m := newOrchestrator(t, jobs...)

	for range 20 {
		require.True(t, o.Start())
		require.NoError(t, o.Stop())

		for name, us := range o.Status().Units {
			require.True(t, us.Terminated, name)
		}
		require.Equal(t, 0.0, testutil.ToFloat64(m.JobsRunning))
	}
}

// TestOrchestrator_FailureContinues 測試失敗不會結束單元
func TestOrchestrator_FailureContinues(t *testing.T) {
	errFlaky := errors.New("flaky")

	var lastKinds sync.Map
	job := &fakeJob{
		name: "flaky",
		delay: func(last orchestrator.Result) time.Duration {
			lastKinds.Store(last.Kind, true)
			return time.Millisecond
		},
		run: func(_ context.Context, n int64) orchestrator.Result {
			switch n {
			case 1, 2:
				return orchestrator.Failure(errFlaky)
			case 3:
				panic("boom")
			default:
				return orchestrator.Success()
			}
		},
	}
	o, m := newOrchestrator(t, job)
	require.True(t, o.Start())
	defer o.Stop()

	require.Eventually(t, func() bool { return job.runs.Load() >= 5 }, 2*time.Second, time.Millisecond)

	st := o.Status().Units["flaky"]
	assert.False(t, st.Terminated)
	assert.Equal(t, int64(3), st.Failures, "panic 視為暫時性失敗")
	assert.GreaterOrEqual(t, st.Iterations, int64(4))
	assert.Empty(t, st.LastError, "成功後清除最後錯誤")

	_, sawFailed := lastKinds.Load(orchestrator.Failed)
	_, sawPending := lastKinds.Load(orchestrator.Pending)
	assert.True(t, sawFailed, "NextDelay 會收到失敗結果")
	assert.True(t, sawPending, "第一次 NextDelay 收到 Pending")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobIterations.WithLabelValues("flaky", "failure")))
}

// TestOrchestrator_Terminate 測試任務主動終止
func TestOrchestrator_Terminate(t *testing.T) {
	errDone := errors.New("source gone")

	quitter := &fakeJob{
		name:  "quitter",
		delay: every(0),
		run: func(context.Context, int64) orchestrator.Result {
			return orchestrator.Terminate(errDone)
		},
	}
	steady := &fakeJob{name: "steady", delay: every(5 * time.Millisecond)}

	o, _ := newOrchestrator(t, quitter, steady)
	require.True(t, o.Start())

	require.Eventually(t, func() bool {
		return o.Status().Units["quitter"].Terminated
	}, time.Second, time.Millisecond)

	// 其他任務不受影響
	before := steady.runs.Load()
	require.Eventually(t, func() bool { return steady.runs.Load() > before }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), quitter.runs.Load())
	assert.Equal(t, orchestrator.Running, o.State())

	err := o.Stop()
	require.Error(t, err, "主動終止在清理後向上回報")
	assert.True(t, apperrors.IsTerminated(err))
	assert.ErrorIs(t, err, errDone)
}

// TestOrchestrator_ConcurrentStartStop 測試 start 與 stop 併發呼叫
func TestOrchestrator_ConcurrentStartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	job := &fakeJob{name: "tick", delay: every(time.Millisecond)}
	o, m := newOrchestrator(t, job)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				o.Start()
			} else {
				_ = o.Stop()
			}
		}()
	}
	wg.Wait()

	_ = o.Stop()
	assert.Equal(t, orchestrator.Stopped, o.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsRunning))
	assert.True(t, o.Status().Units["tick"].Terminated)
}

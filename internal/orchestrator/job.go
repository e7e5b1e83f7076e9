package orchestrator

import (
	"context"
	"time"
)

// Kind 單次執行的結果種類
type Kind int

const (
	// Pending 尚未執行過（用於計算第一次等待時間）
	Pending Kind = iota
	// Succeeded 執行成功
	Succeeded
	// Failed 暫時性失敗，迴圈繼續
	Failed
	// Terminated 任務主動結束，單元清理後向上回報
	Terminated
)

// String 返回結果名稱（也用作指標標籤）
func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Result 單次執行結果
//
// 由迴圈驅動者交回 Job.NextDelay，決定下一次要睡多久
type Result struct {
	Kind Kind
	Err  error
}

// Success 成功結果
func Success() Result {
	return Result{Kind: Succeeded}
}

// Failure 暫時性失敗
func Failure(err error) Result {
	return Result{Kind: Failed, Err: err}
}

// Terminate 主動終止
func Terminate(err error) Result {
	return Result{Kind: Terminated, Err: err}
}

// Job 由排程器監管的週期性任務
//
// 執行流程：
//
//	last := Result{Kind: Pending}
//	loop:
//	  sleep(NextDelay(last))   // 可被取消喚醒
//	  仍在運行？否則結束
//	  last = Run(ctx)
//
// NextDelay 與 Run 只會在同一個 goroutine 中被呼叫
type Job interface {
	Name() string
	Run(ctx context.Context) Result
	NextDelay(last Result) time.Duration
}

// StatusReporter 任務自訂狀態（可選）
//
// 會在其他 goroutine 被呼叫，實作需自行同步
type StatusReporter interface {
	Status() map[string]any
}

package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Progress 是下载过程中上报的进度。ContentLength 未知时为 -1。
type Progress struct {
	ContentLength     int64
	BytesDownloaded   int64
	PercentDownloaded float64
}

// ProgressFunc 接收进度事件，在执行任务的 worker goroutine 中同步调用。
type ProgressFunc func(Progress)

// Task 是一次预取请求，只属于执行它的 worker，不会被持久化。
type Task struct {
	ID         string
	URL        string
	HeadClip   time.Duration
	Threshold  int64
	OnProgress ProgressFunc

	done func()
	once sync.Once
}

// NewTask 构造带随机 ID 的任务。
func NewTask(url string, headClip time.Duration, threshold int64) *Task {
	return &Task{
		ID:        uuid.NewString(),
		URL:       url,
		HeadClip:  headClip,
		Threshold: threshold,
	}
}

// finish 在任务结束（包括被丢弃）时调用一次。
func (t *Task) finish() {
	t.once.Do(func() {
		if t.done != nil {
			t.done()
		}
	})
}

// tracker 负责阈值判断：一旦越过阈值就以 ErrThresholdReached 取消下载，
// 之后到达的进度事件全部忽略。
type tracker struct {
	task     *Task
	cancel   context.CancelCauseFunc
	stopped  bool
	complete bool
	last     Progress
}

func newTracker(task *Task, cancel context.CancelCauseFunc) *tracker {
	return &tracker{task: task, cancel: cancel}
}

func (t *tracker) observe(p Progress) {
	if t.stopped {
		return
	}
	t.last = p
	if t.task.OnProgress != nil {
		t.task.OnProgress(p)
	}
	switch {
	case p.PercentDownloaded >= 100:
		t.complete = true
	case t.task.Threshold > 0 && p.BytesDownloaded > t.task.Threshold:
	default:
		return
	}
	t.stopped = true
	t.cancel(ErrThresholdReached)
}

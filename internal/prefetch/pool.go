package prefetch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/any-hub/media-prefetch/internal/logging"
)

// Handler 执行一个任务。
type Handler func(ctx context.Context, task *Task)

// PoolOptions 配置 Pool。
type PoolOptions struct {
	Workers   int
	QueueSize int
	Handler   Handler
	Logger    *logrus.Logger
}

// Pool 是固定数量 worker 加有界 FIFO 队列的执行器。
// 队列满时 Submit 立即返回 ErrQueueFull，该请求被丢弃而不是排队等待，
// 调用方需要自行决定是否稍后重试。
type Pool struct {
	tasks   chan *Task
	handler Handler
	logger  *logrus.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool 启动 worker goroutine。Workers、QueueSize 不大于 0 时分别使用 2 和 64。
func NewPool(opts PoolOptions) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan *Task, size),
		handler: opts.Handler,
		logger:  logging.OrDiscard(opts.Logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Go(p.loop)
	}
	return p
}

// Submit 把任务放入队列，从不阻塞。
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending 返回排队中的任务数。
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Close 停止接收新任务，取消执行中的任务，丢弃队列剩余任务并等待 worker 退出。
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) loop() {
	for task := range p.tasks {
		if p.ctx.Err() != nil {
			task.finish()
			continue
		}
		p.run(task)
	}
}

// run 在单个任务范围内捕获 panic，避免影响其它任务与 worker 本身。
func (p *Pool) run(task *Task) {
	defer task.finish()
	var catcher panics.Catcher
	catcher.Try(func() { p.handler(p.ctx, task) })
	if r := catcher.Recovered(); r != nil {
		p.logger.WithFields(logging.PrefetchFields("prefetch_panic", task.URL, task.ID)).
			WithField("panic", r.String()).
			Error("prefetch task panicked")
	}
}

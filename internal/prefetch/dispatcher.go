package prefetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/logging"
	"github.com/any-hub/media-prefetch/internal/metrics"
)

// Lifecycle 是 Dispatcher 需要的缓存生命周期视图。
type Lifecycle interface {
	CacheProvider
	Ready() <-chan struct{}
}

// Submitter 接收任务，Pool 实现该接口。
type Submitter interface {
	Submit(task *Task) error
}

// DispatcherOptions 配置 Dispatcher。
type DispatcherOptions struct {
	Lifecycle Lifecycle
	Pool      Submitter
	Logger    *logrus.Logger
	Metrics   *metrics.Registry

	HeadClip  time.Duration
	Threshold int64
	// MaxRetries 与 InitialBackoff 限定等待缓存初始化的重试次数与初始间隔。
	MaxRetries     int
	InitialBackoff time.Duration
	OnProgress     ProgressFunc
}

// Dispatcher 接收预取请求并调度到 Pool。缓存尚未初始化时在后台等待，
// 初始化完成后只提交一次；同一 URL 在执行结束前不会重复调度。
type Dispatcher struct {
	opts   DispatcherOptions
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Lifecycle == nil || opts.Pool == nil {
		return nil, errors.New("dispatcher requires lifecycle and pool")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:     opts,
		logger:   logging.OrDiscard(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}, nil
}

// Prefetch 立即返回。只有非法 URL 或 Dispatcher 已关闭会返回错误，
// 调度与下载中的失败只记录日志。
func (d *Dispatcher) Prefetch(rawURL string) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}
	fields := logging.PrefetchFields("prefetch_dispatch", rawURL, "")

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if _, busy := d.inflight[rawURL]; busy {
		d.mu.Unlock()
		d.logger.WithFields(fields).Debug("prefetch already in flight")
		return nil
	}
	d.inflight[rawURL] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	if _, err := d.opts.Lifecycle.GetCache(); err == nil {
		d.submit(rawURL)
		d.wg.Done()
		return nil
	}

	d.logger.WithFields(fields).Info("cache not initialized, waiting")
	go func() {
		defer d.wg.Done()
		if err := d.waitForCache(); err != nil {
			d.logger.WithFields(fields).WithError(err).Warn("prefetch abandoned, cache never initialized")
			d.opts.Metrics.ObservePrefetch(metrics.OutcomeFailed, 0)
			d.release(rawURL)
			return
		}
		d.submit(rawURL)
	}()
	return nil
}

// waitForCache 以有界指数退避等待缓存可用，期间 Ready 信号会提前唤醒。
func (d *Dispatcher) waitForCache() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.InitialBackoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.opts.MaxRetries)), d.ctx)

	for attempt := 0; ; attempt++ {
		ready := d.opts.Lifecycle.Ready()
		if _, err := d.opts.Lifecycle.GetCache(); err == nil {
			return nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if err := d.ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("gave up after %d retries", attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ready:
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
			return d.ctx.Err()
		}
		timer.Stop()
	}
}

func (d *Dispatcher) submit(rawURL string) {
	task := NewTask(rawURL, d.opts.HeadClip, d.opts.Threshold)
	task.OnProgress = d.opts.OnProgress
	task.done = func() { d.release(rawURL) }

	fields := logging.PrefetchFields("prefetch_dispatch", rawURL, task.ID)
	if err := d.opts.Pool.Submit(task); err != nil {
		d.release(rawURL)
		if errors.Is(err, ErrQueueFull) {
			d.opts.Metrics.ObserveQueueRejection()
		}
		d.logger.WithFields(fields).WithError(err).Warn("prefetch not scheduled")
		return
	}
	d.logger.WithFields(fields).Debug("prefetch scheduled")
}

func (d *Dispatcher) release(rawURL string) {
	d.mu.Lock()
	delete(d.inflight, rawURL)
	d.mu.Unlock()
}

// InFlight 返回已接收但尚未结束的 URL 数量。
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close 取消所有等待中的请求并等待后台 goroutine 退出。已提交的任务由 Pool 负责。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

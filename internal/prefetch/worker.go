package prefetch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/cache"
	"github.com/any-hub/media-prefetch/internal/logging"
	"github.com/any-hub/media-prefetch/internal/metrics"
)

// CacheProvider 返回当前存活的缓存实例。
type CacheProvider interface {
	GetCache() (*cache.Cache, error)
}

// Worker 执行单个 Task。所有错误都在这里记录并吞掉，不会传播给 Pool 或调用方。
type Worker struct {
	caches     CacheProvider
	downloader *Downloader
	logger     *logrus.Logger
	metrics    *metrics.Registry
}

// NewWorker 构造 Worker；metrics 可以为 nil。
func NewWorker(caches CacheProvider, downloader *Downloader, logger *logrus.Logger, m *metrics.Registry) *Worker {
	return &Worker{
		caches:     caches,
		downloader: downloader,
		logger:     logging.OrDiscard(logger),
		metrics:    m,
	}
}

// Run 执行任务直到完成、越过阈值、出错或 ctx 取消。
func (w *Worker) Run(ctx context.Context, task *Task) {
	started := time.Now()
	fields := logging.PrefetchFields("prefetch_run", task.URL, task.ID)

	c, err := w.caches.GetCache()
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("prefetch dropped, cache unavailable")
		w.metrics.ObservePrefetch(metrics.OutcomeFailed, 0)
		return
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	tr := newTracker(task, cancel)

	result, err := w.downloader.Download(ctx, c, task, func(p Progress) {
		if tr.stopped {
			return
		}
		w.logger.WithFields(fields).
			WithFields(logging.ProgressFields(p.ContentLength, p.BytesDownloaded, p.PercentDownloaded)).
			Debug("prefetch progress")
		tr.observe(p)
	})

	entry := w.logger.WithFields(fields).WithFields(logrus.Fields{
		"bytes":      result.Bytes,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	outcome := classify(ctx, tr, result, err)
	switch outcome {
	case metrics.OutcomeSkipped:
		entry.Debug("prefetch skipped, head already cached")
	case metrics.OutcomeCompleted:
		entry.Info("prefetch completed")
	case metrics.OutcomeCancelled:
		if cause := context.Cause(ctx); cause != nil {
			entry = entry.WithField("cause", cause.Error())
		}
		entry.Info("prefetch stopped")
	default:
		entry.WithError(err).Warn("prefetch failed")
	}
	w.metrics.ObservePrefetch(outcome, result.Bytes)
}

func classify(ctx context.Context, tr *tracker, result Result, err error) string {
	switch {
	case result.Skipped:
		return metrics.OutcomeSkipped
	case tr.complete:
		return metrics.OutcomeCompleted
	case errors.Is(context.Cause(ctx), ErrThresholdReached):
		return metrics.OutcomeCancelled
	case err == nil:
		return metrics.OutcomeCompleted
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}

package prefetch

import (
	"errors"
	"fmt"
)

var (
	// ErrThresholdReached 是预取达到字节阈值或全部下载完成时的取消原因，不属于失败。
	ErrThresholdReached = errors.New("prefetch threshold reached")
	// ErrQueueFull 表示待执行队列已满。
	ErrQueueFull = errors.New("prefetch queue full")
	// ErrPoolClosed 表示 Pool 已关闭。
	ErrPoolClosed = errors.New("prefetch pool closed")
	// ErrDispatcherClosed 表示 Dispatcher 已关闭。
	ErrDispatcherClosed = errors.New("prefetch dispatcher closed")
	// ErrInvalidURL 表示请求的资源地址不是合法的 http(s) URL。
	ErrInvalidURL = errors.New("invalid prefetch url")
)

// DownloadError 描述一次上游请求失败。Status 为 0 表示没有拿到 HTTP 响应。
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s: upstream status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 描述一次缓存读写涉及的资源与字节区间。
func CacheFields(action, key string, offset, length int64) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"key":    key,
		"offset": offset,
		"length": length,
	}
}

// PrefetchFields 提供预取任务的 URL 与任务 ID，供 worker/dispatcher 日志复用。
func PrefetchFields(action, url, taskID string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"url":     url,
		"task_id": taskID,
	}
}

// ProgressFields 对应下载进度回调的三个参数。
func ProgressFields(contentLength, bytesDownloaded int64, percent float64) logrus.Fields {
	return logrus.Fields{
		"content_length":     contentLength,
		"bytes_downloaded":   bytesDownloaded,
		"percent_downloaded": percent,
	}
}

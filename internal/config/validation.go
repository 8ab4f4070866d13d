package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(strings.TrimSpace(g.LogLevel)); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.CacheMaxSize <= 0 {
		return newFieldError("Global.CacheMaxSize", "必须大于 0")
	}
	if g.FragmentSize <= 0 {
		return newFieldError("Global.FragmentSize", "必须大于 0")
	}
	if g.FragmentSize > g.CacheMaxSize {
		return newFieldError("Global.FragmentSize", "不能超过 CacheMaxSize")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	p := c.Prefetch
	if p.Workers <= 0 {
		return newFieldError(prefetchField("Workers"), "必须大于 0")
	}
	if p.QueueSize <= 0 {
		return newFieldError(prefetchField("QueueSize"), "必须大于 0")
	}
	if p.HeadClip.DurationValue() <= 0 {
		return newFieldError(prefetchField("HeadClip"), "必须大于 0")
	}
	if p.ByteThreshold <= 0 {
		return newFieldError(prefetchField("ByteThreshold"), "必须大于 0")
	}

	return nil
}

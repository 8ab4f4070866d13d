package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/cache"
	"github.com/any-hub/media-prefetch/internal/lifecycle"
	"github.com/any-hub/media-prefetch/internal/prefetch"
	"github.com/any-hub/media-prefetch/internal/server"
	"github.com/any-hub/media-prefetch/internal/version"
)

// maxReadLength 限制 /-/cache/read 单次返回的字节数。
const maxReadLength = 16 << 20

// Dispatcher 接收预取请求。
type Dispatcher interface {
	Prefetch(url string) error
}

// Lifecycle 是命令接口需要的缓存生命周期操作。
type Lifecycle interface {
	GetCache() (*cache.Cache, error)
	SetCapacity(bytes int64) error
	ClearCache(ctx context.Context) error
}

// Deps 汇总命令路由的依赖；Metrics 为 nil 时不注册 /-/metrics。
type Deps struct {
	Dispatcher Dispatcher
	Lifecycle  Lifecycle
	Metrics    http.Handler
	Logger     *logrus.Logger
}

// RegisterCommandRoutes 暴露 prefetch / setCacheMaxSize / clearCache 三个命令以及诊断接口。
func RegisterCommandRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Dispatcher == nil || deps.Lifecycle == nil {
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Post("/-/prefetch", func(c fiber.Ctx) error {
		var req struct {
			URL string `json:"url"`
		}
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		err := deps.Dispatcher.Prefetch(req.URL)
		switch {
		case errors.Is(err, prefetch.ErrInvalidURL):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
		case errors.Is(err, prefetch.ErrDispatcherClosed):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "shutting_down"})
		case err != nil:
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted", "url": req.URL})
	})

	app.Put("/-/cache/max-size", func(c fiber.Ctx) error {
		var req struct {
			Bytes int64 `json:"bytes"`
		}
		if err := c.Bind().JSON(&req); err != nil || req.Bytes <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_size"})
		}
		if err := deps.Lifecycle.SetCapacity(req.Bytes); err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"capacity":       req.Bytes,
			"capacity_human": humanize.IBytes(uint64(req.Bytes)),
			"applies":        "after_reset",
		})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		if err := deps.Lifecycle.ClearCache(c.Context()); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"action":     "cache_clear",
			"request_id": server.RequestID(c),
		}).Info("cache cleared by request")
		return c.JSON(fiber.Map{"status": "cleared"})
	})

	app.Get("/-/cache/stats", func(c fiber.Ctx) error {
		live, err := deps.Lifecycle.GetCache()
		if err != nil {
			return notInitialized(c, err)
		}
		stats := live.Stats()
		return c.JSON(fiber.Map{
			"capacity":       stats.Capacity,
			"resident_bytes": stats.ResidentBytes,
			"resident_human": humanize.IBytes(uint64(stats.ResidentBytes)),
			"spans":          stats.Spans,
			"keys":           stats.Keys,
		})
	})

	app.Get("/-/cache/read", func(c fiber.Ctx) error {
		key := c.Query("key")
		offset, offErr := strconv.ParseInt(c.Query("offset", "0"), 10, 64)
		length, lenErr := strconv.ParseInt(c.Query("length", strconv.Itoa(maxReadLength)), 10, 64)
		if key == "" || offErr != nil || lenErr != nil || offset < 0 || length <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_range"})
		}
		length = min(length, maxReadLength)

		live, err := deps.Lifecycle.GetCache()
		if err != nil {
			return notInitialized(c, err)
		}
		data, err := live.Read(c.Context(), key, offset, length)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_cached"})
		}
		status := fiber.StatusOK
		if int64(len(data)) < length {
			status = fiber.StatusPartialContent
		}
		c.Set(fiber.HeaderContentType, "application/octet-stream")
		c.Set("X-Cache-Offset", strconv.FormatInt(offset, 10))
		return c.Status(status).Send(data)
	})

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		_, err := deps.Lifecycle.GetCache()
		return c.JSON(fiber.Map{
			"status":            "ok",
			"version":           version.Full(),
			"cache_initialized": err == nil,
		})
	})

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics))
	}
}

func notInitialized(c fiber.Ctx, err error) error {
	if errors.Is(err, lifecycle.ErrNotInitialized) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_not_initialized"})
	}
	return err
}

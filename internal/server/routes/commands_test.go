package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/lifecycle"
	"github.com/any-hub/media-prefetch/internal/metrics"
	"github.com/any-hub/media-prefetch/internal/prefetch"
	"github.com/any-hub/media-prefetch/internal/server"
	"github.com/any-hub/media-prefetch/internal/settings"
)

type recordingDispatcher struct {
	urls []string
}

func (d *recordingDispatcher) Prefetch(url string) error {
	if !strings.HasPrefix(url, "http") {
		return prefetch.ErrInvalidURL
	}
	d.urls = append(d.urls, url)
	return nil
}

func newRoutesApp(t *testing.T, initialized bool) (*fiber.App, *recordingDispatcher, *lifecycle.Manager, settings.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := settings.NewMemoryStore()
	manager, err := lifecycle.NewManager(lifecycle.Options{Root: t.TempDir(), Settings: store, Logger: logger})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.ReleaseCache() })
	if initialized {
		if _, err := manager.InitCache(1 << 20); err != nil {
			t.Fatalf("init cache: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	RegisterCommandRoutes(app, Deps{
		Dispatcher: dispatcher,
		Lifecycle:  manager,
		Metrics:    metrics.New().Handler(),
		Logger:     logger,
	})
	return app, dispatcher, manager, store
}

func doRequest(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestPrefetchRouteAccepts(t *testing.T) {
	app, dispatcher, _, _ := newRoutesApp(t, true)

	resp, body := doRequest(t, app, http.MethodPost, "/-/prefetch", `{"url":"https://x/video.m3u8"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.StatusCode, body)
	}
	if len(dispatcher.urls) != 1 || dispatcher.urls[0] != "https://x/video.m3u8" {
		t.Fatalf("unexpected dispatched urls: %v", dispatcher.urls)
	}
}

func TestPrefetchRouteRejectsBadInput(t *testing.T) {
	app, dispatcher, _, _ := newRoutesApp(t, true)

	resp, body := doRequest(t, app, http.MethodPost, "/-/prefetch", `{"url":"ftp://x"}`)
	if resp.StatusCode != fiber.StatusBadRequest || !strings.Contains(body, "invalid_url") {
		t.Fatalf("expected invalid_url, got %d (%s)", resp.StatusCode, body)
	}
	resp, body = doRequest(t, app, http.MethodPost, "/-/prefetch", `{not json`)
	if resp.StatusCode != fiber.StatusBadRequest || !strings.Contains(body, "invalid_body") {
		t.Fatalf("expected invalid_body, got %d (%s)", resp.StatusCode, body)
	}
	if len(dispatcher.urls) != 0 {
		t.Fatalf("nothing should be dispatched, got %v", dispatcher.urls)
	}
}

func TestMaxSizeRoutePersistsOnly(t *testing.T) {
	app, _, manager, store := newRoutesApp(t, true)

	resp, body := doRequest(t, app, http.MethodPut, "/-/cache/max-size", `{"bytes":4194304}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if got := store.GetInt64(settings.CacheNamespace, settings.CacheSizeKey, 0); got != 4<<20 {
		t.Fatalf("expected persisted 4MiB, got %d", got)
	}
	live, err := manager.GetCache()
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	if live.Capacity() != 1<<20 {
		t.Fatalf("live capacity should stay 1MiB, got %d", live.Capacity())
	}

	resp, _ = doRequest(t, app, http.MethodPut, "/-/cache/max-size", `{"bytes":0}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for zero size, got %d", resp.StatusCode)
	}
}

func TestClearRouteResetsCache(t *testing.T) {
	app, _, manager, _ := newRoutesApp(t, true)
	live, _ := manager.GetCache()
	if _, err := live.Write(context.Background(), "k", 0, []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	doRequest(t, app, http.MethodPut, "/-/cache/max-size", `{"bytes":2097152}`)

	resp, body := doRequest(t, app, http.MethodDelete, "/-/cache", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	fresh, err := manager.GetCache()
	if err != nil {
		t.Fatalf("cache should be live after clear: %v", err)
	}
	if fresh.Capacity() != 2<<20 || fresh.Stats().ResidentBytes != 0 {
		t.Fatalf("unexpected stats after clear: %+v", fresh.Stats())
	}
}

func TestStatsRouteReportsNotInitialized(t *testing.T) {
	app, _, _, _ := newRoutesApp(t, false)

	resp, body := doRequest(t, app, http.MethodGet, "/-/cache/stats", "")
	if resp.StatusCode != fiber.StatusServiceUnavailable || !strings.Contains(body, "cache_not_initialized") {
		t.Fatalf("expected 503 cache_not_initialized, got %d (%s)", resp.StatusCode, body)
	}
}

func TestReadRouteReturnsCachedPrefix(t *testing.T) {
	app, _, manager, _ := newRoutesApp(t, true)
	live, _ := manager.GetCache()
	if _, err := live.Write(context.Background(), "https://x/a.mp4", 0, []byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, body := doRequest(t, app, http.MethodGet, "/-/cache/read?key=https://x/a.mp4&offset=2&length=4", "")
	if resp.StatusCode != fiber.StatusOK || body != "2345" {
		t.Fatalf("expected 200 2345, got %d (%s)", resp.StatusCode, body)
	}
	resp, body = doRequest(t, app, http.MethodGet, "/-/cache/read?key=https://x/a.mp4&offset=6&length=10", "")
	if resp.StatusCode != fiber.StatusPartialContent || body != "6789" {
		t.Fatalf("expected 206 6789, got %d (%s)", resp.StatusCode, body)
	}
	resp, _ = doRequest(t, app, http.MethodGet, "/-/cache/read?key=https://x/b.mp4", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for uncached key, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, app, http.MethodGet, "/-/cache/read?offset=-1", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	app, _, _, _ := newRoutesApp(t, true)

	resp, body := doRequest(t, app, http.MethodGet, "/-/metrics", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(body, "media_prefetch_cache_capacity_bytes") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
	resp, body = doRequest(t, app, http.MethodGet, "/-/healthz", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(body, `"cache_initialized":true`) {
		t.Fatalf("unexpected health response %d (%s)", resp.StatusCode, body)
	}
}

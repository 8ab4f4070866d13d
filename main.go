package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/config"
	"github.com/any-hub/media-prefetch/internal/lifecycle"
	"github.com/any-hub/media-prefetch/internal/logging"
	"github.com/any-hub/media-prefetch/internal/metrics"
	"github.com/any-hub/media-prefetch/internal/prefetch"
	"github.com/any-hub/media-prefetch/internal/server"
	"github.com/any-hub/media-prefetch/internal/server/routes"
	"github.com/any-hub/media-prefetch/internal/settings"
	"github.com/any-hub/media-prefetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.Global.CacheDir
		fields["cache_max_size"] = cfg.Global.CacheMaxSize.String()
		fields["workers"] = cfg.Prefetch.Workers
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_dir"] = svc.lifecycle.Dir()
	fields["workers"] = cfg.Prefetch.Workers
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// service 持有进程内的全部长生命周期组件。
type service struct {
	metrics    *metrics.Registry
	lifecycle  *lifecycle.Manager
	pool       *prefetch.Pool
	dispatcher *prefetch.Dispatcher
}

// newService 按“设置 → 缓存 → worker pool → dispatcher”的顺序组装组件，
// 保证请求进来之前缓存实例已经就绪。
func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	var reg *metrics.Registry
	if cfg.Global.MetricsEnabled {
		reg = metrics.New()
	}

	store, err := settings.NewFileStore(cfg.Global.SettingsPath)
	if err != nil {
		return nil, err
	}

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Root:            cfg.Global.CacheDir,
		Settings:        store,
		Logger:          logger,
		Observer:        reg,
		DefaultCapacity: cfg.Global.CacheMaxSize.Int64(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := manager.InitCache(cfg.Global.CacheMaxSize.Int64()); err != nil {
		return nil, err
	}

	downloader := prefetch.NewDownloader(server.NewUpstreamClient(cfg), cfg.Global.FragmentSize.Int64())
	worker := prefetch.NewWorker(manager, downloader, logger, reg)
	pool := prefetch.NewPool(prefetch.PoolOptions{
		Workers:   cfg.Prefetch.Workers,
		QueueSize: cfg.Prefetch.QueueSize,
		Handler:   worker.Run,
		Logger:    logger,
	})

	dispatcher, err := prefetch.NewDispatcher(prefetch.DispatcherOptions{
		Lifecycle:      manager,
		Pool:           pool,
		Logger:         logger,
		Metrics:        reg,
		HeadClip:       cfg.Prefetch.HeadClip.DurationValue(),
		Threshold:      cfg.Prefetch.ByteThreshold.Int64(),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		pool.Close()
		_ = manager.ReleaseCache()
		return nil, err
	}

	return &service{metrics: reg, lifecycle: manager, pool: pool, dispatcher: dispatcher}, nil
}

// close 先停止接收请求，再停止下载，最后关闭缓存索引。
func (s *service) close() {
	s.dispatcher.Close()
	s.pool.Close()
	_ = s.lifecycle.ReleaseCache()
}

func (s *service) metricsHandler() http.Handler {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Handler()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("media-prefetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIA_PREFETCH_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEDIA_PREFETCH_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, svc *service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		return err
	}
	routes.RegisterCommandRoutes(app, routes.Deps{
		Dispatcher: svc.dispatcher,
		Lifecycle:  svc.lifecycle,
		Metrics:    svc.metricsHandler(),
		Logger:     logger,
	})

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

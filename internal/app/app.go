// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/SceneBreakdown/internal/api"
	"github.com/Corphon/SceneBreakdown/internal/breakdown"
	"github.com/Corphon/SceneBreakdown/internal/config"
	"github.com/Corphon/SceneBreakdown/internal/di"
	"github.com/Corphon/SceneBreakdown/internal/services"
	"github.com/Corphon/SceneBreakdown/internal/storage"
	"github.com/Corphon/SceneBreakdown/internal/utils"

	// 注册生成服务
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/anthropic"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/google"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/openaicompat"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/replay"
)

// 容器中的服务名称
const (
	ServiceMetrics   = "metrics"
	ServiceLLM       = "llm"
	ServicePipeline  = "pipeline"
	ServiceStore     = "store"
	ServiceProgress  = "progress"
	ServiceBreakdown = "breakdown"
)

const (
	taskCleanupInterval = 10 * time.Minute
	taskMaxAge          = time.Hour
	shutdownTimeout     = 30 * time.Second
)

// App 持有一个服务进程的全部组件
type App struct {
	config     *config.Config
	logger     *utils.Logger
	apiMetrics *utils.APIMetrics
	container  *di.Container

	breakdowns *services.BreakdownService
	store      storage.CollectionStore
	limiter    *api.RateLimiter
	router     *gin.Engine
	handler    *api.Handler

	closeOnce sync.Once
}

// New 按依赖顺序组装服务：指标 → 生成服务 → 流水线 → 存储 → 拆解服务 → 路由
func New(cfg *config.Config, logger *utils.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	a := &App{
		config:    cfg,
		logger:    logger,
		container: di.NewContainer(),
	}

	metrics := utils.NewMetricsCollector()
	a.apiMetrics = utils.NewAPIMetrics(metrics, logger)
	a.container.Register(ServiceMetrics, metrics)

	llmService := services.NewLLMService(cfg, logger.With(map[string]interface{}{"component": "llm"}), a.apiMetrics)
	a.container.Register(ServiceLLM, llmService)
	logger.Info("llm service initialised", map[string]interface{}{
		"ready":     llmService.IsReady(),
		"status":    llmService.GetReadyState(),
		"providers": llmService.ProviderNames(),
	})

	pipeline, err := breakdown.NewPipeline(llmService, cfg.Pipeline.Options(),
		logger.With(map[string]interface{}{"component": "pipeline"}), metrics)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	a.container.Register(ServicePipeline, pipeline)

	store, err := storage.OpenCollectionStore(cfg.StorageBackend, cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StorageBackend, err)
	}
	a.store = store
	a.container.Register(ServiceStore, store)

	progress := services.NewProgressService()
	a.container.Register(ServiceProgress, progress)

	a.breakdowns, err = services.NewBreakdownService(services.BreakdownServiceDeps{
		Pipeline:   pipeline,
		Store:      store,
		Progress:   progress,
		Logger:     logger.With(map[string]interface{}{"component": "breakdown"}),
		Metrics:    metrics,
		BatchLimit: cfg.BatchConcurrency,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.container.Register(ServiceBreakdown, a.breakdowns)

	a.limiter = api.NewRateLimiter(time.Hour)
	a.router, a.handler = api.SetupRouter(api.RouterDeps{
		Breakdowns:  a.breakdowns,
		LLM:         llmService,
		APIMetrics:  a.apiMetrics,
		Logger:      logger.With(map[string]interface{}{"component": "api"}),
		RateLimiter: a.limiter,
		RatePerMin:  cfg.RateLimitPerMin,
		DebugMode:   cfg.DebugMode,
	})

	logger.Info("application initialised", map[string]interface{}{
		"services": a.container.GetNames(),
		"storage":  cfg.StorageBackend,
	})
	return a, nil
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config { return a.config }

// Container returns the service container.
func (a *App) Container() *di.Container { return a.container }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.router }

// IsDebugMode 是否为调试模式
func (a *App) IsDebugMode() bool { return a.config.DebugMode }

// Run 启动 HTTP 服务，ctx 取消后优雅关闭
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.config.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	cleanupDone := make(chan struct{})
	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go func() {
		defer close(cleanupDone)
		a.cleanupTasks(cleanupCtx)
	}()
	defer func() {
		stopCleanup()
		<-cleanupDone
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// WebSocket 连接不受 Shutdown 管理，先行关闭
	a.handler.WebSocket.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// cleanupTasks 定期清理已结束的进度任务
func (a *App) cleanupTasks(ctx context.Context) {
	ticker := time.NewTicker(taskCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.breakdowns.CleanupTasks(taskMaxAge)
		case <-ctx.Done():
			return
		}
	}
}

// Close 停止后台任务并释放存储。已关闭的组件从容器中移除
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.handler.WebSocket.Shutdown()
		a.breakdowns.Close()
		a.container.Remove(ServiceBreakdown)
		a.container.Remove(ServiceProgress)
		a.limiter.Stop()
		err = a.store.Close()
		a.container.Remove(ServiceStore)
		_ = a.logger.Sync()
	})
	return err
}

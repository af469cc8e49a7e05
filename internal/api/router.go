// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/SceneBreakdown/internal/services"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

// RouterDeps 路由依赖
type RouterDeps struct {
	Breakdowns  *services.BreakdownService
	LLM         *services.LLMService
	APIMetrics  *utils.APIMetrics
	Logger      *utils.Logger
	RateLimiter *RateLimiter
	RatePerMin  int // <= 0 关闭限流
	DebugMode   bool
}

// SetupRouter 配置HTTP路由
func SetupRouter(deps RouterDeps) (*gin.Engine, *Handler) {
	if !deps.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	var collector *utils.MetricsCollector
	if deps.APIMetrics != nil {
		collector = deps.APIMetrics.Collector()
	} else {
		collector = utils.NewMetricsCollector()
	}
	handler := NewHandler(deps.Breakdowns, deps.LLM, collector, deps.Logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(deps.Logger))
	r.Use(MetricsMiddleware(deps.APIMetrics))
	r.Use(corsMiddleware())

	r.GET("/healthz", handler.Health)

	// WebSocket 进度推送
	r.GET("/ws/tasks/:id", handler.WebSocket.TaskWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		breakdowns := api.Group("/breakdowns")
		{
			// 生成类接口消耗模型调用，单独限流
			limited := RateLimitByIP(deps.RateLimiter, deps.RatePerMin, time.Minute)
			breakdowns.POST("", limited, handler.CreateBreakdown)
			breakdowns.POST("/async", limited, handler.CreateBreakdownAsync)
			breakdowns.POST("/batch", limited, handler.CreateBreakdownBatch)
			breakdowns.GET("", handler.ListBreakdowns)
			breakdowns.GET("/:id", handler.GetBreakdown)
			breakdowns.DELETE("/:id", handler.DeleteBreakdown)
		}

		tasks := api.Group("/tasks")
		{
			tasks.GET("/:id", handler.GetTask)
			tasks.GET("/:id/events", handler.SubscribeProgress)
		}

		api.GET("/providers", handler.GetProviders)
		api.GET("/providers/:name/models", handler.GetProviderModels)
		api.GET("/metrics", handler.GetMetrics)
	}

	return r, handler
}

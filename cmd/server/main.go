// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/Corphon/SceneBreakdown/internal/app"
	"github.com/Corphon/SceneBreakdown/internal/config"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "configuration file (YAML)")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("创建目录失败: %v", err)
	}

	// 2. 日志
	logger, err := utils.NewLogger(utils.LoggerOptions{
		Level:       cfg.LogLevel,
		LogFile:     cfg.LogFile(),
		Development: cfg.DebugMode,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	// 3. 组装服务
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("初始化服务失败", map[string]interface{}{"error": err.Error()})
		log.Fatalf("初始化服务失败: %v", err)
	}
	defer a.Close()

	// 4. 启动服务器，收到信号后优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("服务器启动", map[string]interface{}{"port": cfg.Port, "storage": cfg.StorageBackend})
	if err := a.Run(ctx); err != nil {
		logger.Error("服务器异常退出", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("服务器已关闭", nil)
}

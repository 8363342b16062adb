package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"backtester/internal/app"
	"backtester/internal/config"
	"backtester/internal/log"
	"backtester/internal/store"
)

func main() {
	var (
		configPath   string
		modeFlag     string
		forceRefresh bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&modeFlag, "mode", "backtest", "运行模式: backtest | optimize")
	flag.BoolVar(&forceRefresh, "force-refresh", false, "忽略行情缓存并重新拉取")
	flag.Parse()

	mode, err := app.ParseMode(modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if forceRefresh {
		cfg.Data.ForceRefresh = true
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger, sqliteStore).Run(ctx, mode); err != nil {
		logger.Error("运行失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

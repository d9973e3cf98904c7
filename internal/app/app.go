package app

import (
	"context"
	"fmt"
	"time"

	btcfg "btdeck/internal/config"
	"btdeck/internal/history"
	"btdeck/internal/httpapi"
	"btdeck/internal/logger"
	"btdeck/internal/store"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 服务与清单定时刷新。
type App struct {
	cfg      *btcfg.Config
	coord    *history.Coordinator
	runner   *httpapi.Runner
	server   *httpapi.Server
	runStore *store.RunStore
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *btcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.runner.SetContext(ctx)

	// 启动时先拉一次清单；失败只告警，服务照常起，操作者可手动刷新。
	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.coord.Refresh(refreshCtx); err != nil {
		logger.Warnf("启动时拉取历史清单失败: %v", err)
	}
	cancel()

	scheduler := cron.New()
	if expr := a.cfg.Catalog.RefreshCron; expr != "" {
		if _, err := scheduler.AddFunc(expr, func() {
			jobCtx, jobCancel := context.WithTimeout(ctx, 30*time.Second)
			defer jobCancel()
			if err := a.coord.Refresh(jobCtx); err != nil {
				logger.Warnf("定时刷新历史清单失败: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("注册清单刷新任务失败（%s）: %w", expr, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	err := group.Wait()
	if a.runStore != nil {
		if cerr := a.runStore.Close(); cerr != nil {
			logger.Warnf("关闭运行记录存储失败: %v", cerr)
		}
	}
	return err
}

// Server exposes the HTTP server instance (for testing harnesses).
func (a *App) Server() *httpapi.Server {
	if a == nil {
		return nil
	}
	return a.server
}

package app

import (
	"context"
	"fmt"

	"btdeck/internal/backtest"
	btcfg "btdeck/internal/config"
	"btdeck/internal/history"
	"btdeck/internal/httpapi"
	"btdeck/internal/report"
	"btdeck/internal/service"
	"btdeck/internal/store"
	"btdeck/internal/strategy"
	"btdeck/internal/workflow"
)

// AppBuilder 逐层装配依赖。各构造步骤做成可替换的函数字段，测试时可以注入假件。
type AppBuilder struct {
	cfg *btcfg.Config

	clientFn   func(btcfg.ServiceConfig) (*service.Client, error)
	storeFn    func(btcfg.StoreConfig) (*store.RunStore, error)
	registryFn func(btcfg.StrategiesConfig) (*strategy.Registry, error)
	rendererFn func(btcfg.AppConfig) (*report.Renderer, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *btcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		clientFn:   buildClient,
		storeFn:    buildStore,
		registryFn: buildRegistry,
		rendererFn: buildRenderer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildClient(cfg btcfg.ServiceConfig) (*service.Client, error) {
	return service.NewClient(cfg)
}

func buildStore(cfg btcfg.StoreConfig) (*store.RunStore, error) {
	return store.NewRunStore(cfg.Path)
}

func buildRegistry(cfg btcfg.StrategiesConfig) (*strategy.Registry, error) {
	return strategy.NewRegistry(cfg.Path, cfg.Watch)
}

func buildRenderer(cfg btcfg.AppConfig) (*report.Renderer, error) {
	return report.NewRenderer(cfg.ReportDir)
}

// Build 完成全部装配。Runner 既是 HTTP 层的尝试管理者，也是工作流的 Decider，
// 所以 Workflow 先于 Server 构造，再回注给 Runner。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	client, err := b.clientFn(cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("构造数据服务客户端失败: %w", err)
	}

	catalog := history.NewCatalog()
	coord, err := history.NewCoordinator(client, catalog)
	if err != nil {
		return nil, err
	}
	submitter, err := backtest.NewSubmitter(client)
	if err != nil {
		return nil, err
	}

	runStore, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("打开运行记录存储失败: %w", err)
	}

	registry, err := b.registryFn(cfg.Strategies)
	if err != nil {
		return nil, fmt.Errorf("加载策略定义失败: %w", err)
	}

	renderer, err := b.rendererFn(cfg.App)
	if err != nil {
		return nil, fmt.Errorf("初始化报告目录失败: %w", err)
	}

	runner := httpapi.NewRunner(renderer, runStore, cfg.App.SnapshotPNG)
	negotiator, err := workflow.NewNegotiator(runner)
	if err != nil {
		return nil, err
	}
	wf, err := workflow.New(catalog, coord, submitter, negotiator, registry)
	if err != nil {
		return nil, err
	}
	runner.BindWorkflow(wf)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:      cfg.App.ListenAddr,
		Runner:    runner,
		Catalog:   catalog,
		Coord:     coord,
		Client:    client,
		Registry:  registry,
		Runs:      runStore,
		ReportDir: cfg.App.ReportDir,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		coord:    coord,
		runner:   runner,
		server:   server,
		runStore: runStore,
	}, nil
}

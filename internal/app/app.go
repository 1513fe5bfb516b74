// Package app 负责根据配置装配适配器、存储与编排器，并驱动系统生命周期。
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradeloop/internal/advisor"
	"tradeloop/internal/algo"
	"tradeloop/internal/broker"
	"tradeloop/internal/broker/dummy"
	"tradeloop/internal/broker/paper"
	"tradeloop/internal/config"
	"tradeloop/internal/exchange"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
	"tradeloop/internal/storage"
	"tradeloop/internal/trader"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *storage.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *storage.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配全部组件后进入编排循环，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("streamer", a.cfg.Streamer.Kind),
		zap.String("broker", a.cfg.Broker.Kind),
	)

	svc, err := storage.NewService(a.store, a.logger)
	if err != nil {
		return err
	}

	subs, err := watchSubscriptions(a.cfg.Watchlist)
	if err != nil {
		return err
	}

	streamer, err := a.buildStreamer()
	if err != nil {
		return err
	}
	execution, err := a.buildBroker(streamer)
	if err != nil {
		return err
	}

	tr := trader.New(streamer, execution, svc, subs, trader.Options{
		PreloadBars: a.cfg.Scheduler.PreloadBars,
		SyncTimeout: a.cfg.Sync.Timeout,
	}, a.logger)

	for _, strategy := range a.buildAlgorithms(subs) {
		if err := tr.RegisterAlgorithm(strategy); err != nil {
			return err
		}
	}

	if err := tr.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("编排循环异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// buildStreamer 根据配置构造数据源适配器。
func (a *App) buildStreamer() (broker.Adapter, error) {
	switch a.cfg.Streamer.Kind {
	case "dummy":
		return dummy.New(a.logger), nil
	case "ccxt":
		return exchange.New(a.cfg.Exchange, "", a.logger)
	default:
		return nil, fmt.Errorf("app: %q 不能作为数据源", a.cfg.Streamer.Kind)
	}
}

// buildBroker 根据配置构造执行端适配器。
func (a *App) buildBroker(streamer broker.Adapter) (broker.Adapter, error) {
	switch a.cfg.Broker.Kind {
	case "dummy":
		// 仅行情、无交易能力的执行端，订单意图将被网关丢弃并记日志
		return streamer, nil
	case "paper":
		return paper.New(streamer, a.cfg.Paper, a.logger), nil
	case "ccxt":
		if live, ok := streamer.(*exchange.Adapter); ok {
			return live, nil
		}
		return exchange.New(a.cfg.Exchange, "", a.logger)
	default:
		return nil, fmt.Errorf("app: %q 不能作为执行端", a.cfg.Broker.Kind)
	}
}

// buildAlgorithms 装配默认策略：均线交叉，以及按需启用的大模型顾问。
func (a *App) buildAlgorithms(subs []market.Subscription) []algo.Algorithm {
	var out []algo.Algorithm

	if len(subs) > 0 {
		first := subs[0]
		out = append(out, algo.NewCrossover(first.Symbol, first.Interval, 5, 20, 1))
	}

	if a.cfg.Advisor.Enabled {
		client, err := advisor.NewClient(a.cfg.Advisor, a.logger)
		if err != nil {
			a.logger.Error("初始化顾问客户端失败，跳过顾问算法", zap.Error(err))
			return out
		}
		out = append(out, advisor.NewAlgorithm(client, subs, a.cfg.Advisor.Timeout, a.logger))
	}

	return out
}

// watchSubscriptions 把观察列表配置解析为订阅集合。
func watchSubscriptions(watch []config.WatchConfig) ([]market.Subscription, error) {
	var subs []market.Subscription
	for _, w := range watch {
		for _, name := range w.Intervals {
			iv, err := interval.Parse(name)
			if err != nil {
				return nil, fmt.Errorf("app: 观察列表 %s 周期非法: %w", w.Symbol, err)
			}
			subs = append(subs, market.Subscription{Symbol: w.Symbol, Interval: iv})
		}
	}
	return subs, nil
}

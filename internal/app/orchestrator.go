package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"alphafarm/internal/config"
	"alphafarm/internal/exchange"
	"alphafarm/internal/execution"
	"alphafarm/internal/monitor"
	"alphafarm/internal/position"
	"alphafarm/internal/ranking"
	"alphafarm/internal/stats"
	"alphafarm/internal/store"
	"alphafarm/internal/trading"
)

// orchestrator 持有装配好的各层组件。
type orchestrator struct {
	monitor *monitor.Service
	book    *position.Book
	engine  *trading.Engine
	server  *monitor.Server
}

func newOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(ctx, st, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	tracker, err := stats.NewTracker(ctx, st, cfg.Stats, logger.Named("stats"))
	if err != nil {
		return nil, fmt.Errorf("初始化统计模块失败: %w", err)
	}

	client, err := exchange.NewClient(cfg.Exchange, cfg.Trading, logger.Named("exchange"), exchange.WithRecorder(monitorSvc))
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	var trader execution.Client = client
	if cfg.Exchange.DryRun {
		logger.Warn("模拟交易模式：委托不会发送到交易所")
		trader = exchange.NewPaperClient(client, cfg.Trading.Instruments, cfg.Exchange.QuoteAsset, monitorSvc, logger.Named("paper"))
	}

	book := position.NewBook(cfg.Trading.Instruments, cfg.Exchange.QuoteAsset)

	controller := execution.NewController(
		trader,
		execution.NewSizer(cfg.Trading),
		execution.PolicyFromConfig(cfg.Policy),
		logger.Named("execution"),
	)

	runner := trading.NewRunner(
		trader,
		controller,
		book,
		tracker,
		monitorSvc,
		trading.RunnerConfigFromPolicy(cfg.Policy),
		logger.Named("trading"),
	)

	symbols := make([]string, 0, len(cfg.Trading.Instruments))
	for _, inst := range cfg.Trading.Instruments {
		symbols = append(symbols, inst.Symbol)
	}
	ranker := ranking.NewListRanker(
		symbols,
		cfg.Campaign.DemoteCooldown,
		logger.Named("ranking"),
		ranking.WithQuotes(exchange.NewMarketDataService(client, logger.Named("market"))),
	)

	scheduler := trading.NewScheduler(runner, ranker, cfg.Campaign, logger.Named("scheduler"), trading.WithGuard(tracker))
	engine := trading.NewEngine(runner, scheduler, tracker, logger.Named("engine"))

	o := &orchestrator{
		monitor: monitorSvc,
		book:    book,
		engine:  engine,
	}
	if cfg.Monitor.Enabled {
		o.server = monitor.NewServer(monitorSvc, tracker, book, cfg.Monitor.Port, logger.Named("monitor"))
	}
	return o, nil
}

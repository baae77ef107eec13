package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alphafarm/internal/config"
	"alphafarm/internal/store"
)

// RunOptions 为命令行传入的运行参数。
type RunOptions struct {
	// Cycles 覆盖配置中的循环次数，<=0 时使用配置值。
	Cycles int
	// Symbol 非空时只对该交易对执行一次循环。
	Symbol string
}

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动监控接口与刷量任务，任务结束或收到退出信号后返回。
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	a.logger.Info("刷量系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("instruments", len(a.cfg.Trading.Instruments)),
	)

	orch, err := newOrchestrator(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	if orch.server != nil {
		group.Go(func() error {
			return orch.server.Run(groupCtx)
		})
	}

	group.Go(func() error {
		// 任务结束后关闭监控接口
		defer cancel()

		if symbol := strings.TrimSpace(opts.Symbol); symbol != "" {
			if !orch.engine.RunSingleCycle(groupCtx, strings.ToUpper(symbol)) {
				return fmt.Errorf("单次循环未成功: %s", symbol)
			}
			a.logCounters(orch)
			return nil
		}

		cycles := a.cfg.Campaign.Cycles
		if opts.Cycles > 0 {
			cycles = opts.Cycles
		}
		if err := orch.engine.StartCampaign(groupCtx, cycles); err != nil {
			return err
		}

		select {
		case <-groupCtx.Done():
			a.logger.Info("系统收到退出信号，正在停止并清理持仓")
		case <-orch.engine.Done():
		}
		orch.engine.StopCampaign()
		a.logCounters(orch)
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}

func (a *App) logCounters(orch *orchestrator) {
	counters := orch.engine.Counters()
	a.logger.Info("当日统计",
		zap.String("trading_date", counters.TradingDate),
		zap.Int("completed_trades", counters.CompletedTrades),
		zap.Float64("cumulative_loss", counters.CumulativeLoss),
		zap.Float64("cumulative_notional", counters.CumulativeNotional),
	)
	for _, snap := range orch.book.Snapshots() {
		if snap.Stuck() {
			orch.monitor.Alert(context.Background(), "stuck_position", "退出时仍有未卖出持仓", nil, &snap)
		}
	}
}

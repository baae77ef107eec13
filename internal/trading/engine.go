package trading

import (
	"context"

	"go.uber.org/zap"

	"alphafarm/internal/stats"
)

// Engine 为调用方提供启动、停止任务、单次循环与计数查询。
type Engine struct {
	runner    *Runner
	scheduler *Scheduler
	tracker   StatsRecorder
	logger    *zap.Logger
}

// NewEngine 组装引擎。
func NewEngine(runner *Runner, scheduler *Scheduler, tracker StatsRecorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runner:    runner,
		scheduler: scheduler,
		tracker:   tracker,
		logger:    logger,
	}
}

// StartCampaign 在后台启动 n 次循环的刷量任务。
func (e *Engine) StartCampaign(ctx context.Context, n int) error {
	return e.scheduler.Start(ctx, n)
}

// StopCampaign 停止任务，返回前完成持仓清理。
func (e *Engine) StopCampaign() {
	e.scheduler.Stop()
}

// Done 在任务结束后关闭。
func (e *Engine) Done() <-chan struct{} {
	return e.scheduler.Done()
}

// Active 表示任务是否在运行。
func (e *Engine) Active() bool {
	return e.scheduler.Active()
}

// RunSingleCycle 对指定交易对执行一次循环，成功返回 true。
func (e *Engine) RunSingleCycle(ctx context.Context, symbol string) bool {
	res, err := e.runner.RunCycle(ctx, symbol)
	if err != nil {
		e.logger.Warn("单次循环未成功", zap.String("symbol", symbol), zap.String("result", string(res)), zap.Error(err))
	}
	return res == ResultSuccess
}

// Counters 返回当日计数。
func (e *Engine) Counters() stats.Counters {
	if e.tracker == nil {
		return stats.Counters{}
	}
	return e.tracker.Counters()
}

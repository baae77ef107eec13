// Package trading 编排买卖循环与批量刷量任务。
package trading

import (
	"context"
	"errors"
	"time"

	"alphafarm/internal/config"
	"alphafarm/internal/exchange"
	"alphafarm/internal/monitor"
	"alphafarm/internal/position"
	"alphafarm/internal/stats"
)

// Result 为单次循环的结果。
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultStuck   Result = "stuck"
	ResultPanic   Result = "panic"
	ResultStopped Result = "stopped"
	ResultCleanup Result = "cleanup"
)

const alertStuckPosition = "stuck_position"

var (
	// ErrCampaignActive 表示已有任务在运行。
	ErrCampaignActive = errors.New("trading: campaign already active")
	// ErrCyclePanic 表示循环内部发生 panic 并已恢复。
	ErrCyclePanic = errors.New("trading: cycle panicked")
)

// Exchange 为循环编排与清理所需的交易所能力。
type Exchange interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
	CancelAllOrders(ctx context.Context) error
	LastOrderDetails(ctx context.Context) (exchange.OrderDetails, error)
}

// Executor 执行单边委托直至终态。
type Executor interface {
	Execute(ctx context.Context, pos *position.State, side exchange.Side, reference float64) error
}

// StatsRecorder 持久化循环计数。
type StatsRecorder interface {
	Record(ctx context.Context, result stats.CycleResult) (stats.Counters, error)
	Counters() stats.Counters
}

// Reporter 接收循环结果与告警。
type Reporter interface {
	Alert(ctx context.Context, kind, message string, err error, snap *position.Snapshot)
	RecordCycle(ctx context.Context, symbol string, payload monitor.CycleResultPayload)
}

// Ranker 给出当前最适合交易的标的。返回空字符串表示暂无可用标的。
type Ranker interface {
	Best(ctx context.Context) (string, error)
	Demote(symbol string)
}

// Guard 判断是否应暂停开新循环，例如当日损耗已达上限。
type Guard interface {
	Halted() bool
}

// CycleRunner 运行单次循环并在停止时清理仓位。
type CycleRunner interface {
	RunCycle(ctx context.Context, symbol string) (Result, error)
	Cleanup(ctx context.Context, symbol string) error
}

// RunnerConfig 控制循环内的价格重试与清理等待。
type RunnerConfig struct {
	PriceAttempts int
	PriceRetryMin time.Duration
	PriceRetryMax time.Duration
	CleanupSettle time.Duration
}

// RunnerConfigFromPolicy 从策略配置构造 RunnerConfig。
func RunnerConfigFromPolicy(cfg config.PolicyConfig) RunnerConfig {
	rc := RunnerConfig{
		PriceAttempts: cfg.MaxPriceAttempts,
		PriceRetryMin: cfg.PollIntervalMin,
		PriceRetryMax: cfg.PollIntervalMax,
		CleanupSettle: cfg.CleanupSettle,
	}
	if rc.PriceAttempts <= 0 {
		rc.PriceAttempts = 3
	}
	return rc
}

type nopReporter struct{}

func (nopReporter) Alert(context.Context, string, string, error, *position.Snapshot) {}

func (nopReporter) RecordCycle(context.Context, string, monitor.CycleResultPayload) {}

package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alphafarm/internal/exchange"
	"alphafarm/internal/execution"
	"alphafarm/internal/metrics"
	"alphafarm/internal/monitor"
	"alphafarm/internal/position"
	"alphafarm/internal/stats"
)

// Runner 对单个交易对执行一次先买后卖的循环。
type Runner struct {
	exchange Exchange
	exec     Executor
	book     *position.Book
	tracker  StatsRecorder
	reporter Reporter
	cfg      RunnerConfig
	logger   *zap.Logger
}

// NewRunner 创建循环执行器。reporter 可为空。
func NewRunner(ex Exchange, exec Executor, book *position.Book, tracker StatsRecorder, reporter Reporter, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if cfg.PriceAttempts <= 0 {
		cfg.PriceAttempts = 3
	}
	return &Runner{
		exchange: ex,
		exec:     exec,
		book:     book,
		tracker:  tracker,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
	}
}

// cycle 保存一次循环的上下文，用于结束时汇报。
type cycle struct {
	id     string
	pos    *position.State
	logger *zap.Logger

	buyNotional  float64
	sellNotional float64
	loss         float64
}

// RunCycle 执行一次完整循环。循环内的 panic 会被恢复并以 ResultPanic 返回。
// ctx 取消时会在返回前同步完成清理。
func (r *Runner) RunCycle(ctx context.Context, symbol string) (res Result, err error) {
	pos, release, err := r.book.Acquire(ctx, symbol)
	if err != nil {
		return ResultStopped, fmt.Errorf("%w: %w", execution.ErrStopped, err)
	}
	defer release()

	c := &cycle{
		id:  uuid.NewString(),
		pos: pos,
	}
	c.logger = r.logger.With(
		zap.String("cycle_id", c.id),
		zap.String("symbol", symbol),
		zap.String("display_name", pos.DisplayName()),
	)

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("交易循环异常", zap.Any("panic", rec), zap.Stack("stack"))
			res, err = ResultPanic, fmt.Errorf("%w: %v", ErrCyclePanic, rec)
		}
		r.finish(ctx, c, res, err)
	}()

	return r.run(ctx, c)
}

func (r *Runner) run(ctx context.Context, c *cycle) (Result, error) {
	pos := c.pos
	symbol := pos.Symbol()

	if !pos.Flat() {
		c.logger.Warn("存在遗留持仓，先执行清理", zap.Float64("held", pos.Held()))
		if err := r.cleanup(context.WithoutCancel(ctx), pos, c.logger); err != nil {
			return ResultStuck, fmt.Errorf("trading: 清理遗留持仓失败: %w", err)
		}
	}

	c.logger.Info("开始交易循环")

	price, err := r.fetchPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, execution.ErrStopped) {
			return ResultStopped, err
		}
		return ResultFailed, err
	}

	if err := r.exec.Execute(ctx, pos, exchange.SideBuy, price); err != nil {
		if errors.Is(err, execution.ErrStopped) {
			return r.stopped(ctx, c, err)
		}
		c.logger.Warn("买入失败，放弃本轮循环", zap.Error(err))
		if !pos.Flat() {
			if cleanErr := r.cleanup(ctx, pos, c.logger); cleanErr != nil {
				return ResultStuck, fmt.Errorf("%w; 清理部分成交失败: %w", err, cleanErr)
			}
		}
		pos.Close()
		return ResultFailed, err
	}

	if err := r.exec.Execute(ctx, pos, exchange.SideSell, 0); err != nil {
		if errors.Is(err, execution.ErrStopped) {
			return r.stopped(ctx, c, err)
		}
		return ResultStuck, err
	}

	c.loss, c.buyNotional, c.sellNotional = pos.Close()
	if r.tracker != nil {
		if _, err := r.tracker.Record(context.WithoutCancel(ctx), stats.CycleResult{
			CycleID:      c.id,
			Symbol:       symbol,
			BuyNotional:  c.buyNotional,
			SellNotional: c.sellNotional,
			Loss:         c.loss,
		}); err != nil {
			c.logger.Error("写入循环统计失败", zap.Error(err))
		}
	}
	return ResultSuccess, nil
}

// stopped 在 ctx 取消后用不可取消的上下文完成清理。
func (r *Runner) stopped(ctx context.Context, c *cycle, cause error) (Result, error) {
	c.logger.Info("循环被停止，执行清理", zap.Error(cause))
	if err := r.cleanup(context.WithoutCancel(ctx), c.pos, c.logger); err != nil {
		return ResultStuck, fmt.Errorf("%w; 停止后清理失败: %w", cause, err)
	}
	return ResultStopped, cause
}

func (r *Runner) finish(ctx context.Context, c *cycle, res Result, err error) {
	metrics.IncCycle(string(res))

	payload := monitor.CycleResultPayload{
		CycleID:      c.id,
		Result:       string(res),
		BuyNotional:  c.buyNotional,
		SellNotional: c.sellNotional,
		Loss:         c.loss,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	r.reporter.RecordCycle(ctx, c.pos.Symbol(), payload)

	if snap := c.pos.Snapshot(); res == ResultStuck || snap.Stuck() {
		r.reporter.Alert(ctx, alertStuckPosition, "卖出未完成，资金滞留", err, &snap)
	}

	switch res {
	case ResultSuccess:
		c.logger.Info("交易循环完成",
			zap.Float64("buy_notional", c.buyNotional),
			zap.Float64("sell_notional", c.sellNotional),
			zap.Float64("loss", c.loss),
		)
	case ResultStopped:
		c.logger.Info("交易循环已停止")
	default:
		c.logger.Warn("交易循环未完成", zap.String("result", string(res)), zap.Error(err))
	}
}

// Cleanup 撤销在途订单并卖出剩余持仓。空仓时不做任何操作。
func (r *Runner) Cleanup(ctx context.Context, symbol string) error {
	pos, release, err := r.book.Acquire(ctx, symbol)
	if err != nil {
		return err
	}
	defer release()

	if pos.Flat() {
		return nil
	}

	logger := r.logger.With(zap.String("symbol", symbol), zap.String("display_name", pos.DisplayName()))
	if err := r.cleanup(ctx, pos, logger); err != nil {
		snap := pos.Snapshot()
		r.reporter.Alert(ctx, alertStuckPosition, "清理持仓失败", err, &snap)
		return err
	}
	return nil
}

func (r *Runner) cleanup(ctx context.Context, pos *position.State, logger *zap.Logger) error {
	if pos.Flat() {
		return nil
	}

	if err := r.exchange.CancelAllOrders(ctx); err != nil {
		logger.Warn("清理时撤单失败", zap.Error(err))
	}

	if order, ok := pos.OpenOrder(); ok {
		if err := execution.Sleep(ctx, r.cfg.CleanupSettle); err != nil {
			return fmt.Errorf("%w: %w", execution.ErrStopped, err)
		}
		details, err := r.exchange.LastOrderDetails(ctx)
		switch {
		case err != nil:
			return fmt.Errorf("trading: 无法确认在途订单 %s 的成交情况: %w", order.OrderID, err)
		case details.OrderID != order.OrderID:
			logger.Warn("最近订单已不是在途订单，跳过成交补记",
				zap.String("order_id", order.OrderID),
				zap.String("latest_order_id", details.OrderID),
			)
		case details.ExecutedQty > 0:
			if order.Side == exchange.SideBuy {
				pos.RecordBuy(details.ExecutedQty, details.CumQuote)
			} else {
				pos.RecordSell(details.ExecutedQty, details.CumQuote)
			}
			logger.Info("在途订单已部分成交",
				zap.String("order_id", order.OrderID),
				zap.Float64("executed_qty", details.ExecutedQty),
			)
		}
		pos.ClearOpenOrder()
	}

	if pos.Held() > 0 {
		logger.Info("清理卖出剩余持仓", zap.Float64("held", pos.Held()))
		if err := r.exec.Execute(ctx, pos, exchange.SideSell, 0); err != nil {
			return err
		}
	}

	loss, buy, sell := pos.Close()
	logger.Info("清理完成",
		zap.Float64("buy_notional", buy),
		zap.Float64("sell_notional", sell),
		zap.Float64("loss", loss),
	)
	r.reporter.RecordCycle(ctx, pos.Symbol(), monitor.CycleResultPayload{
		Result:       string(ResultCleanup),
		BuyNotional:  buy,
		SellNotional: sell,
		Loss:         loss,
	})
	return nil
}

func (r *Runner) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	var lastErr error
	for i := 1; i <= r.cfg.PriceAttempts; i++ {
		if i > 1 {
			if err := execution.Sleep(ctx, execution.Jitter(r.cfg.PriceRetryMin, r.cfg.PriceRetryMax)); err != nil {
				return 0, fmt.Errorf("%w: %w", execution.ErrStopped, err)
			}
		}
		price, err := r.exchange.LatestPrice(ctx, symbol)
		if err == nil && price > 0 {
			return price, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("%w: %w", execution.ErrStopped, ctxErr)
		}
		if err == nil {
			err = exchange.ErrNoPrice
		}
		lastErr = err
		r.logger.Warn("获取价格失败", zap.String("symbol", symbol), zap.Int("attempt", i), zap.Error(err))
	}
	return 0, fmt.Errorf("trading: 获取 %s 价格失败: %w", symbol, lastErr)
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alphafarm/internal/exchange"
	"alphafarm/internal/metrics"
	"alphafarm/internal/position"
)

// Controller 驱动单边委托从提交到终态：提交、轮询、部分成交处理、撤单、重新定价与钱包校正。
type Controller struct {
	client Client
	sizer  Sizer
	policy Policy
	logger *zap.Logger
}

// NewController 创建订单生命周期控制器。
func NewController(client Client, sizer Sizer, policy Policy, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		client: client,
		sizer:  sizer,
		policy: policy,
		logger: logger,
	}
}

// Execute 以参考价执行一边委托。返回 nil 表示仓位已完整记账；
// reference<=0 时在首次提交前获取最新价格。
func (c *Controller) Execute(ctx context.Context, pos *position.State, side exchange.Side, reference float64) error {
	l := &leg{
		c:         c,
		pos:       pos,
		reference: reference,
		refresh:   reference <= 0,
		logger: c.logger.With(
			zap.String("symbol", pos.Symbol()),
			zap.String("display_name", pos.DisplayName()),
			zap.String("side", string(side)),
		),
		att: attempt{
			symbol: pos.Symbol(),
			side:   side,
		},
	}

	switch side {
	case exchange.SideBuy:
		l.att.budgeted = true
	case exchange.SideSell:
		qty := c.sizer.SellQuantity(pos.Symbol(), pos.Held())
		if !qty.IsPositive() {
			l.logger.Info("无可卖数量，跳过卖单", zap.Float64("held", pos.Held()))
			return nil
		}
		l.att.quantity = qty
	default:
		return fmt.Errorf("execution: 不支持的方向 %q", side)
	}

	return l.run(ctx)
}

// leg 保存一次 Execute 的循环状态。
type leg struct {
	c      *Controller
	pos    *position.State
	logger *zap.Logger

	att       attempt
	reference float64
	refresh   bool

	resubmits  int
	reprices   int
	reconciled bool
}

func (l *leg) run(ctx context.Context) error {
	st := stateSubmit
	for {
		if err := ctx.Err(); err != nil {
			return l.stopped(err)
		}

		var (
			next state
			err  error
		)
		switch st {
		case stateSubmit:
			next, err = l.submit(ctx)
		case statePoll:
			next, err = l.poll(ctx)
		case statePartial:
			next, err = l.partial(ctx)
		case stateTimeout:
			next, err = l.timeout(ctx)
		case stateCanceled:
			next, err = l.canceled(ctx)
		case stateReprice:
			next, err = l.reprice(ctx)
		case stateDone:
			return nil
		default:
			return fmt.Errorf("execution: 未知状态 %s", st)
		}
		if err != nil {
			return err
		}
		if next != st {
			l.logger.Debug("状态切换", zap.Stringer("from", st), zap.Stringer("to", next))
		}
		st = next
	}
}

func (l *leg) submit(ctx context.Context) (state, error) {
	policy := l.c.policy
	var lastErr error

	for i := 1; i <= policy.MaxSubmitAttempts; i++ {
		if i > 1 {
			if err := l.wait(ctx, policy.submitJitter()); err != nil {
				return stateDone, err
			}
		}
		if i > 1 || l.refresh {
			if err := l.refreshPrice(ctx); err != nil {
				return stateDone, err
			}
		}
		if l.reference <= 0 {
			lastErr = exchange.ErrNoPrice
			metrics.IncSubmitFailure(string(l.att.side))
			continue
		}

		l.att.price = l.c.sizer.OrderPrice(l.att.side, l.reference)
		if l.att.budgeted {
			l.att.quantity = l.c.sizer.BuyQuantity(l.att.symbol, l.att.price)
		}
		if !l.att.quantity.IsPositive() {
			lastErr = fmt.Errorf("execution: 计算下单数量无效 price=%s", l.att.price)
			metrics.IncSubmitFailure(string(l.att.side))
			continue
		}

		orderID, err := l.c.client.SubmitOrder(ctx, l.att.request())
		if err == nil && orderID != "" {
			l.att.orderID = orderID
			l.att.status = exchange.StatusSubmitted
			l.refresh = false
			l.pos.SetOpenOrder(position.OpenOrder{
				OrderID:     orderID,
				Side:        l.att.side,
				Price:       l.att.price.InexactFloat64(),
				Quantity:    l.att.quantity.InexactFloat64(),
				SubmittedAt: time.Now().UTC(),
			})
			metrics.IncOrderSubmitted(string(l.att.side))
			l.logger.Info("委托已提交",
				zap.String("order_id", orderID),
				zap.String("price", l.att.price.String()),
				zap.String("quantity", l.att.quantity.String()),
				zap.Int("attempt", i),
			)
			return statePoll, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stateDone, l.stopped(ctxErr)
		}
		if err == nil {
			err = errors.New("execution: 下单响应缺少订单号")
		}

		lastErr = err
		metrics.IncSubmitFailure(string(l.att.side))
		l.logger.Warn("提交委托失败",
			zap.Int("attempt", i),
			zap.Int("max_attempts", policy.MaxSubmitAttempts),
			zap.Bool("rejected", exchange.IsRejected(err)),
			zap.Error(err),
		)
	}

	return l.submitExhausted(ctx, lastErr)
}

func (l *leg) submitExhausted(ctx context.Context, lastErr error) (state, error) {
	if l.att.side == exchange.SideBuy {
		if l.pos.Held() > 0 {
			// 已有部分成交份额，交给调用方清理而不是换标的
			return stateDone, fmt.Errorf("%w: %w", ErrBuyRejected, lastErr)
		}
		return stateDone, fmt.Errorf("%w (%w): %w", ErrBuyRejected, ErrReconsider, lastErr)
	}

	if l.reconciled {
		return stateDone, fmt.Errorf("%w: 钱包校正后仍无法提交卖单: %w", ErrSellUnresolved, lastErr)
	}
	l.logger.Warn("卖单提交耗尽重试，按钱包余额校正数量", zap.Error(lastErr))
	return l.reconcileAndResubmit(ctx)
}

func (l *leg) poll(ctx context.Context) (state, error) {
	policy := l.c.policy
	for check := 1; check <= policy.MaxPollChecks; check++ {
		if err := l.wait(ctx, policy.pollInterval()); err != nil {
			return stateDone, err
		}

		status, err := l.status(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return stateDone, err
			}
			continue
		}
		l.logger.Debug("订单状态",
			zap.String("order_id", l.att.orderID),
			zap.String("status", string(status)),
			zap.Int("check", check),
		)

		switch status {
		case exchange.StatusFilled:
			return l.filled(ctx)
		case exchange.StatusPartiallyFilled:
			l.logger.Info("订单部分成交，继续跟踪剩余份额", zap.String("order_id", l.att.orderID))
			return statePartial, nil
		case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
			return stateCanceled, nil
		}
	}

	l.logger.Info("订单轮询超时未成交，准备撤单", zap.String("order_id", l.att.orderID))
	return stateTimeout, nil
}

func (l *leg) partial(ctx context.Context) (state, error) {
	policy := l.c.policy
	for i := 1; i <= policy.MaxPartialRechecks; i++ {
		if err := l.wait(ctx, policy.pollInterval()); err != nil {
			return stateDone, err
		}
		status, err := l.status(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return stateDone, err
			}
			continue
		}
		switch status {
		case exchange.StatusFilled:
			return l.filled(ctx)
		case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
			return stateCanceled, nil
		}
	}

	l.logger.Info("多次复查仍为部分成交，撤单", zap.String("order_id", l.att.orderID))
	status, err := l.cancelAndRecheck(ctx)
	if err != nil {
		return stateDone, err
	}
	if status == exchange.StatusFilled {
		return l.filled(ctx)
	}
	return stateCanceled, nil
}

func (l *leg) timeout(ctx context.Context) (state, error) {
	metrics.IncOrderTimeout(string(l.att.side))

	status, err := l.cancelAndRecheck(ctx)
	if err != nil {
		return stateDone, err
	}
	if status == exchange.StatusFilled {
		l.logger.Info("撤单后复核发现已成交", zap.String("order_id", l.att.orderID))
		return l.filled(ctx)
	}

	remaining, known, err := l.settle(ctx)
	if err != nil {
		return stateDone, err
	}
	if known && !remaining.IsPositive() {
		return stateDone, nil
	}

	if l.att.side == exchange.SideBuy {
		if !known {
			if err := l.reconcileBuy(ctx); err != nil {
				return stateDone, err
			}
		}
		return stateDone, fmt.Errorf("%w: order=%s status=%s", ErrBuyNotFilled, l.att.orderID, status)
	}
	if known {
		l.att.quantity = remaining
	} else {
		l.pos.ClearOpenOrder()
	}
	return stateReprice, nil
}

func (l *leg) canceled(ctx context.Context) (state, error) {
	remaining, known, err := l.settle(ctx)
	if err != nil {
		return stateDone, err
	}
	if !known {
		if l.att.side == exchange.SideBuy {
			if err := l.reconcileBuy(ctx); err != nil {
				return stateDone, err
			}
			return stateDone, fmt.Errorf("%w: 无法获取撤单详情 order=%s", ErrBuyNotFilled, l.att.orderID)
		}
		l.pos.ClearOpenOrder()
		remaining = l.att.quantity
	}
	if !remaining.IsPositive() {
		l.logger.Info("撤单后无剩余份额", zap.String("order_id", l.att.orderID))
		return stateDone, nil
	}
	if err := l.advance(); err != nil {
		return stateDone, err
	}

	l.logger.Info("按剩余份额重新下单",
		zap.String("order_id", l.att.orderID),
		zap.String("remaining", remaining.String()),
	)
	metrics.IncReprice(string(l.att.side))
	l.att.quantity = remaining
	l.att.budgeted = false
	l.refresh = true
	return stateSubmit, nil
}

func (l *leg) reprice(ctx context.Context) (state, error) {
	if l.reprices < l.c.policy.MaxRepriceAttempts {
		if err := l.advance(); err != nil {
			return stateDone, err
		}
		l.reprices++
		metrics.IncReprice(string(l.att.side))
		l.logger.Info("卖单未成交，重新定价",
			zap.Int("reprice", l.reprices),
			zap.String("quantity", l.att.quantity.String()),
		)
		l.refresh = true
		return stateSubmit, nil
	}
	if l.reconciled {
		return stateDone, fmt.Errorf("%w: 重新定价 %d 次及钱包校正后仍未成交", ErrSellUnresolved, l.reprices)
	}
	return l.reconcileAndResubmit(ctx)
}

func (l *leg) reconcileAndResubmit(ctx context.Context) (state, error) {
	qty, err := l.reconcile(ctx)
	if err != nil {
		return stateDone, err
	}
	l.reconciled = true
	if !qty.IsPositive() {
		return stateDone, fmt.Errorf("%w: 钱包校正后可卖数量为0 held=%v", ErrSellUnresolved, l.pos.Held())
	}
	if err := l.advance(); err != nil {
		return stateDone, err
	}
	l.att.quantity = qty
	l.refresh = true
	return stateSubmit, nil
}

// reconcile 以 min(钱包余额, 本地持仓) 扣除手续费重新计算卖出数量。
func (l *leg) reconcile(ctx context.Context) (decimal.Decimal, error) {
	held := l.pos.Held()
	base := held

	wallet, err := l.c.client.WalletBalance(ctx, l.pos.WalletAsset())
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decimal.Zero, l.stopped(ctxErr)
		}
		l.logger.Warn("查询钱包余额失败，沿用本地持仓", zap.Float64("held", held), zap.Error(err))
	case wallet <= 0:
		// 资产名未匹配时钱包接口同样返回 0
		l.logger.Warn("钱包中未找到该资产，沿用本地持仓",
			zap.String("asset", l.pos.WalletAsset()),
			zap.Float64("held", held),
		)
	case wallet < held:
		l.logger.Warn("钱包余额小于本地持仓，按钱包余额卖出",
			zap.Float64("held", held),
			zap.Float64("wallet", wallet),
		)
		base = wallet
	}

	metrics.IncWalletReconcile()
	qty := l.c.sizer.SellQuantity(l.att.symbol, base)
	l.logger.Info("钱包校正卖出数量", zap.String("quantity", qty.String()))
	return qty, nil
}

// reconcileBuy 在撤单详情不可用时以钱包余额确认买单已成交的数量。
// 钱包也无法查询时保留在途订单，由清理流程再次确认。
func (l *leg) reconcileBuy(ctx context.Context) error {
	held := l.pos.Held()
	wallet, err := l.c.client.WalletBalance(ctx, l.pos.WalletAsset())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return l.stopped(ctxErr)
		}
		l.logger.Error("无法确认买单成交数量，保留在途订单待清理",
			zap.String("order_id", l.att.orderID),
			zap.Error(err),
		)
		return nil
	}
	metrics.IncWalletReconcile()
	l.pos.ClearOpenOrder()

	extra := decimal.NewFromFloat(wallet).Sub(decimal.NewFromFloat(held)).Truncate(l.c.sizer.LotDecimals(l.att.symbol))
	if !extra.IsPositive() {
		l.logger.Info("钱包余额未增加，买单无成交", zap.String("order_id", l.att.orderID), zap.Float64("wallet", wallet))
		return nil
	}
	l.logger.Warn("按钱包余额补记买单成交",
		zap.String("order_id", l.att.orderID),
		zap.String("quantity", extra.String()),
		zap.Float64("wallet", wallet),
	)
	l.pos.RecordBuy(extra.InexactFloat64(), extra.Mul(l.att.price).InexactFloat64())
	return nil
}

func (l *leg) filled(ctx context.Context) (state, error) {
	details, err := l.c.client.LastOrderDetails(ctx)
	if err == nil && details.OrderID == l.att.orderID && details.ExecutedQty > 0 {
		l.record(details.ExecutedQty, details.CumQuote)
	} else {
		qty := l.att.quantity.InexactFloat64()
		notional := l.att.quantity.Mul(l.att.price).InexactFloat64()
		l.logger.Warn("订单详情不可用，按委托数量记账",
			zap.String("order_id", l.att.orderID),
			zap.Float64("quantity", qty),
			zap.Error(err),
		)
		l.record(qty, notional)
	}

	l.att.status = exchange.StatusFilled
	l.pos.ClearOpenOrder()
	metrics.IncOrderFilled(string(l.att.side))
	l.logger.Info("订单已成交",
		zap.String("order_id", l.att.orderID),
		zap.Float64("held", l.pos.Held()),
	)
	return stateDone, nil
}

// settle 读取已撤订单详情，记入已成交部分并返回剩余数量。
// known=false 表示详情不可用或与当前订单不匹配，此时在途订单由调用方处理。
func (l *leg) settle(ctx context.Context) (decimal.Decimal, bool, error) {
	details, err := l.c.client.LastOrderDetails(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decimal.Zero, false, l.stopped(ctxErr)
		}
		l.logger.Warn("获取撤单详情失败", zap.String("order_id", l.att.orderID), zap.Error(err))
		return decimal.Zero, false, nil
	}
	if details.OrderID != l.att.orderID {
		l.logger.Warn("最近订单与当前订单不一致",
			zap.String("order_id", l.att.orderID),
			zap.String("latest_order_id", details.OrderID),
		)
		return decimal.Zero, false, nil
	}
	l.pos.ClearOpenOrder()

	if details.ExecutedQty > 0 {
		l.record(details.ExecutedQty, details.CumQuote)
	}
	remaining := l.c.sizer.Remaining(l.att.symbol, details.OrigQty, details.ExecutedQty)
	l.logger.Info("撤单详情",
		zap.String("order_id", l.att.orderID),
		zap.Float64("orig_qty", details.OrigQty),
		zap.Float64("executed_qty", details.ExecutedQty),
		zap.String("remaining", remaining.String()),
	)
	return remaining, true, nil
}

func (l *leg) cancelAndRecheck(ctx context.Context) (exchange.OrderStatus, error) {
	if err := l.c.client.CancelAllOrders(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exchange.StatusUnknown, l.stopped(ctxErr)
		}
		l.logger.Warn("撤单失败", zap.String("order_id", l.att.orderID), zap.Error(err))
	}
	if err := l.wait(ctx, l.c.policy.CancelSettle); err != nil {
		return exchange.StatusUnknown, err
	}

	status, err := l.status(ctx)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return exchange.StatusUnknown, err
		}
		return exchange.StatusUnknown, nil
	}
	l.logger.Info("撤单后复核", zap.String("order_id", l.att.orderID), zap.String("status", string(status)))
	return status, nil
}

func (l *leg) status(ctx context.Context) (exchange.OrderStatus, error) {
	status, err := l.c.client.LastOrderStatus(ctx, l.att.orderID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exchange.StatusUnknown, l.stopped(ctxErr)
		}
		l.logger.Warn("查询订单状态失败", zap.String("order_id", l.att.orderID), zap.Error(err))
		return exchange.StatusUnknown, err
	}
	l.att.status = status
	return status, nil
}

func (l *leg) refreshPrice(ctx context.Context) error {
	price, err := l.c.client.LatestPrice(ctx, l.att.symbol)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return l.stopped(ctxErr)
		}
		l.logger.Warn("刷新价格失败，沿用上次价格", zap.Float64("reference", l.reference), zap.Error(err))
		return nil
	}
	if price > 0 {
		l.reference = price
	}
	return nil
}

func (l *leg) record(qty, notional float64) {
	if l.att.side == exchange.SideBuy {
		l.pos.RecordBuy(qty, notional)
		return
	}
	l.pos.RecordSell(qty, notional)
}

// advance 统计补单次数，超过上限即放弃。
func (l *leg) advance() error {
	l.resubmits++
	if l.resubmits <= l.c.policy.MaxResubmits {
		return nil
	}
	if l.att.side == exchange.SideBuy {
		return fmt.Errorf("%w: 补单次数超过 %d", ErrBuyNotFilled, l.c.policy.MaxResubmits)
	}
	return fmt.Errorf("%w: 补单次数超过 %d", ErrSellUnresolved, l.c.policy.MaxResubmits)
}

func (l *leg) wait(ctx context.Context, d time.Duration) error {
	if err := Sleep(ctx, d); err != nil {
		return l.stopped(err)
	}
	return nil
}

func (l *leg) stopped(cause error) error {
	return fmt.Errorf("%w: %w", ErrStopped, cause)
}

package execution

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"alphafarm/internal/exchange"
)

// Client 为订单生命周期所需的交易所能力。
type Client interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	LastOrderStatus(ctx context.Context, orderID string) (exchange.OrderStatus, error)
	LastOrderDetails(ctx context.Context) (exchange.OrderDetails, error)
	CancelAllOrders(ctx context.Context) error
	WalletBalance(ctx context.Context, asset string) (float64, error)
}

var (
	_ Client = (*exchange.Client)(nil)
	_ Client = (*exchange.PaperClient)(nil)
)

var (
	// ErrReconsider 提示调用方该标的可能已不适合交易。
	ErrReconsider = errors.New("execution: instrument should be reconsidered")
	// ErrBuyRejected 表示买单在提交阶段耗尽重试。
	ErrBuyRejected = errors.New("execution: buy submission exhausted")
	// ErrBuyNotFilled 表示买单在轮询与撤单后仍未成交。
	ErrBuyNotFilled = errors.New("execution: buy not filled")
	// ErrSellUnresolved 表示卖单无法完成，持仓仍被占用。
	ErrSellUnresolved = errors.New("execution: sell unresolved")
	// ErrStopped 表示流程因上下文取消而中止。
	ErrStopped = errors.New("execution: stopped")
)

type state int

const (
	stateSubmit state = iota
	statePoll
	statePartial
	stateTimeout
	stateCanceled
	stateReprice
	stateDone
)

func (s state) String() string {
	switch s {
	case stateSubmit:
		return "submit"
	case statePoll:
		return "poll"
	case statePartial:
		return "partial"
	case stateTimeout:
		return "timeout"
	case stateCanceled:
		return "canceled"
	case stateReprice:
		return "reprice"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// attempt 为一次从提交到终态的委托尝试。
type attempt struct {
	symbol   string
	side     exchange.Side
	price    decimal.Decimal
	quantity decimal.Decimal
	orderID  string
	status   exchange.OrderStatus

	// budgeted 表示数量按预算与价格重新计算，仅首个买单使用。
	budgeted bool
}

func (a *attempt) request() exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:   a.symbol,
		Side:     a.side,
		Price:    a.price,
		Quantity: a.quantity,
	}
}

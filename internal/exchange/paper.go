package exchange

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alphafarm/internal/config"
)

// PaperClient 使用真实行情模拟下单：委托按提交价立即成交，不发送任何交易请求。
type PaperClient struct {
	prices   PriceFetcher
	recorder SubmitRecorder
	logger   *zap.Logger
	quote    string
	assets   map[string]string
	now      func() time.Time

	mu       sync.Mutex
	seq      int
	orders   map[string]OrderDetails
	last     string
	balances map[string]decimal.Decimal
}

// NewPaperClient 创建模拟交易客户端，instruments 用于确定钱包资产名。
func NewPaperClient(prices PriceFetcher, instruments []config.InstrumentConfig, quoteAsset string, recorder SubmitRecorder, logger *zap.Logger) *PaperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	assets := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		if inst.WalletAsset != "" {
			assets[inst.Symbol] = inst.WalletAsset
		}
	}
	return &PaperClient{
		prices:   prices,
		recorder: recorder,
		logger:   logger,
		quote:    quoteAsset,
		assets:   assets,
		now:      time.Now,
		orders:   make(map[string]OrderDetails),
		balances: make(map[string]decimal.Decimal),
	}
}

// LatestPrice 透传真实行情。
func (p *PaperClient) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return p.prices.LatestPrice(ctx, symbol)
}

// SubmitOrder 立即按委托价成交并更新模拟钱包。
func (p *PaperClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return "", &APIError{Code: "paper", Message: "invalid price or quantity"}
	}

	asset := p.assetOf(req.Symbol)
	p.mu.Lock()
	if req.Side == SideSell && p.balances[asset].LessThan(req.Quantity) {
		p.mu.Unlock()
		return "", &APIError{Code: "paper", Message: "insufficient balance"}
	}
	p.seq++
	orderID := "paper-" + strconv.Itoa(p.seq)
	notional := req.Quantity.Mul(req.Price)
	details := OrderDetails{
		OrderID:     orderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      StatusFilled,
		Price:       req.Price.InexactFloat64(),
		OrigQty:     req.Quantity.InexactFloat64(),
		ExecutedQty: req.Quantity.InexactFloat64(),
		CumQuote:    notional.InexactFloat64(),
		UpdatedAt:   p.now().UTC(),
	}
	p.orders[orderID] = details
	p.last = orderID
	if req.Side == SideBuy {
		p.balances[asset] = p.balances[asset].Add(req.Quantity)
	} else {
		p.balances[asset] = p.balances[asset].Sub(req.Quantity)
	}
	p.mu.Unlock()

	p.logger.Info("模拟委托成交",
		zap.String("order_id", orderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("price", req.Price.String()),
		zap.String("quantity", req.Quantity.String()),
	)
	if p.recorder != nil {
		p.recorder.RecordSubmit(ctx, SubmitRecord{
			Timestamp:     details.UpdatedAt,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Price:         req.Price.String(),
			Quantity:      req.Quantity.String(),
			PaymentAmount: notional.String(),
			Status:        "paper",
			OrderID:       orderID,
			TraceID:       uuid.NewString(),
		})
	}
	return orderID, nil
}

// LastOrderStatus 返回模拟订单状态。
func (p *PaperClient) LastOrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.orders[orderID]; ok {
		return d.Status, nil
	}
	return StatusUnknown, nil
}

// LastOrderDetails 返回最近一笔模拟订单。
func (p *PaperClient) LastOrderDetails(context.Context) (OrderDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == "" {
		return OrderDetails{}, ErrNoOrders
	}
	return p.orders[p.last], nil
}

// CancelAllOrders 模拟订单立即成交，无需撤单。
func (p *PaperClient) CancelAllOrders(context.Context) error {
	return nil
}

// WalletBalance 返回模拟钱包余额。
func (p *PaperClient) WalletBalance(_ context.Context, asset string) (float64, error) {
	if asset == "" {
		return 0, errors.New("exchange: asset 不能为空")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, amount := range p.balances {
		if strings.EqualFold(name, asset) {
			return amount.InexactFloat64(), nil
		}
	}
	return 0, nil
}

func (p *PaperClient) assetOf(symbol string) string {
	if asset, ok := p.assets[symbol]; ok {
		return asset
	}
	return strings.TrimSuffix(symbol, p.quote)
}

package position

import (
	"sync"
	"time"

	"alphafarm/internal/exchange"
)

// OpenOrder 记录当前在途订单，供停止时的清理流程使用。
type OpenOrder struct {
	OrderID     string
	Side        exchange.Side
	Price       float64
	Quantity    float64
	SubmittedAt time.Time
}

// State 为单个交易对的持仓状态。
// 字段只通过方法读写；周期内的单写者约束由 Book.Acquire 保证。
type State struct {
	symbol      string
	displayName string
	walletAsset string

	mu           sync.Mutex
	heldQuantity float64
	buyNotional  float64
	sellNotional float64
	openOrder    *OpenOrder
	updatedAt    time.Time
}

// NewState 创建空仓位。
func NewState(symbol, displayName, walletAsset string) *State {
	if displayName == "" {
		displayName = symbol
	}
	return &State{
		symbol:      symbol,
		displayName: displayName,
		walletAsset: walletAsset,
	}
}

// Symbol 返回交易对代码。
func (s *State) Symbol() string { return s.symbol }

// DisplayName 返回交易对的展示名称。
func (s *State) DisplayName() string { return s.displayName }

// WalletAsset 返回钱包接口中的资产名。
func (s *State) WalletAsset() string { return s.walletAsset }

// Held 返回已买入尚未卖出的数量。
func (s *State) Held() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldQuantity
}

// RecordBuy 记录买入成交。
func (s *State) RecordBuy(qty, notional float64) {
	if qty <= 0 && notional <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldQuantity += qty
	s.buyNotional += notional
	s.updatedAt = time.Now().UTC()
}

// RecordSell 记录卖出成交，持仓不会低于 0。
func (s *State) RecordSell(qty, notional float64) {
	if qty <= 0 && notional <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldQuantity -= qty
	if s.heldQuantity < 0 {
		s.heldQuantity = 0
	}
	s.sellNotional += notional
	s.updatedAt = time.Now().UTC()
}

// SetOpenOrder 登记在途订单。
func (s *State) SetOpenOrder(order OpenOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := order
	s.openOrder = &o
}

// ClearOpenOrder 清除在途订单。
func (s *State) ClearOpenOrder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openOrder = nil
}

// OpenOrder 返回在途订单。
func (s *State) OpenOrder() (OpenOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openOrder == nil {
		return OpenOrder{}, false
	}
	return *s.openOrder, true
}

// Flat 表示既无持仓也无在途订单。
func (s *State) Flat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldQuantity <= 0 && s.openOrder == nil
}

// Close 结算一次买卖往返并清零仓位，返回已实现亏损及两侧成交额。
func (s *State) Close() (loss, buyNotional, sellNotional float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buyNotional = s.buyNotional
	sellNotional = s.sellNotional
	loss = buyNotional - sellNotional

	s.heldQuantity = 0
	s.buyNotional = 0
	s.sellNotional = 0
	s.openOrder = nil
	s.updatedAt = time.Now().UTC()
	return loss, buyNotional, sellNotional
}

// Snapshot 返回当前状态的只读副本。
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Symbol:       s.symbol,
		DisplayName:  s.displayName,
		HeldQuantity: s.heldQuantity,
		BuyNotional:  s.buyNotional,
		SellNotional: s.sellNotional,
		UpdatedAt:    s.updatedAt,
	}
	if s.openOrder != nil {
		snap.OpenOrderID = s.openOrder.OrderID
		snap.OpenOrderSide = string(s.openOrder.Side)
	}
	return snap
}

package position

import "time"

// Snapshot 为对外展示的仓位摘要。
type Snapshot struct {
	Symbol        string    `json:"symbol"`
	DisplayName   string    `json:"display_name"`
	HeldQuantity  float64   `json:"held_quantity"`
	BuyNotional   float64   `json:"buy_notional"`
	SellNotional  float64   `json:"sell_notional"`
	OpenOrderID   string    `json:"open_order_id,omitempty"`
	OpenOrderSide string    `json:"open_order_side,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stuck 表示仓位仍有未卖出的数量。
func (s Snapshot) Stuck() bool {
	return s.HeldQuantity > 0
}

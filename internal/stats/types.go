package stats

import "time"

// Counters 为当日累计的刷量统计。
type Counters struct {
	TradingDate        string    `json:"trading_date"`
	CompletedTrades    int       `json:"completed_trades"`
	CumulativeLoss     float64   `json:"cumulative_loss"`
	CumulativeNotional float64   `json:"cumulative_notional"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CycleResult 描述一次完成的买卖循环。
type CycleResult struct {
	CycleID      string
	Symbol       string
	BuyNotional  float64
	SellNotional float64
	Loss         float64
	Timestamp    time.Time
}

package monitor

import (
	"time"

	"alphafarm/internal/exchange"
	"alphafarm/internal/position"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOrderSubmit EventType = "order_submit"
	EventCycleResult EventType = "cycle_result"
	EventAlert       EventType = "alert"
	EventError       EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType `json:"type"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// OrderSubmitPayload 记录一次下单请求及其结果。
type OrderSubmitPayload struct {
	exchange.SubmitRecord
}

// CycleResultPayload 记录一次买卖循环的结果。
type CycleResultPayload struct {
	CycleID      string  `json:"cycle_id"`
	Result       string  `json:"result"`
	BuyNotional  float64 `json:"buy_notional"`
	SellNotional float64 `json:"sell_notional"`
	Loss         float64 `json:"loss"`
	Error        string  `json:"error,omitempty"`
}

// AlertPayload 记录需要人工介入的异常，例如卖单无法完成导致资金滞留。
type AlertPayload struct {
	Kind     string             `json:"kind"`
	Message  string             `json:"message"`
	Error    string             `json:"error,omitempty"`
	Position *position.Snapshot `json:"position,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string         `json:"message"`
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

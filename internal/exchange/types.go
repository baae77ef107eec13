package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus 为交易所返回的订单状态。
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// ParseOrderStatus 将交易所原始状态归一化。
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "SUBMITTED":
		return StatusSubmitted
	case "FILLED":
		return StatusFilled
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "CANCELED", "CANCELLED":
		return StatusCanceled
	case "EXPIRED":
		return StatusExpired
	case "REJECTED":
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// Terminal 表示订单不会再发生成交。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest 描述一笔限价委托。价格与数量在下单前已按精度截断。
type OrderRequest struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderDetails 为最近一笔订单的成交详情。
type OrderDetails struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      OrderStatus
	Price       float64
	OrigQty     float64
	ExecutedQty float64
	CumQuote    float64
	UpdatedAt   time.Time
}

// Remaining 返回未成交数量。
func (d OrderDetails) Remaining() float64 {
	remaining := d.OrigQty - d.ExecutedQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SubmitRecord 记录一次下单请求的完整上下文，用于交易明细审计。
type SubmitRecord struct {
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         string          `json:"price"`
	Quantity      string          `json:"quantity"`
	PaymentAmount string          `json:"payment_amount"`
	Status        string          `json:"status"`
	OrderID       string          `json:"order_id,omitempty"`
	HTTPStatus    int             `json:"http_status,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TraceID       string          `json:"trace_id"`
}

const successCode = "000000"

type apiEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
}

func (e apiEnvelope) ok() bool {
	return e.Code == successCode
}

type aggTrade struct {
	Price    flexFloat `json:"p"`
	Quantity flexFloat `json:"q"`
	Time     int64     `json:"T"`
	TradeID  int64     `json:"a"`
	Maker    bool      `json:"m"`
}

type historyOrder struct {
	OrderID     flexString `json:"orderId"`
	Symbol      string     `json:"symbol"`
	BaseAsset   string     `json:"baseAsset"`
	Side        string     `json:"side"`
	Status      string     `json:"status"`
	Price       flexFloat  `json:"price"`
	OrigQty     flexFloat  `json:"origQty"`
	ExecutedQty flexFloat  `json:"executedQty"`
	CumQuote    flexFloat  `json:"cumQuote"`
	UpdateTime  int64      `json:"updateTime"`
}

func (o historyOrder) details() OrderDetails {
	d := OrderDetails{
		OrderID:     string(o.OrderID),
		Symbol:      o.Symbol,
		Side:        Side(strings.ToUpper(o.Side)),
		Status:      ParseOrderStatus(o.Status),
		Price:       float64(o.Price),
		OrigQty:     float64(o.OrigQty),
		ExecutedQty: float64(o.ExecutedQty),
		CumQuote:    float64(o.CumQuote),
	}
	if o.UpdateTime > 0 {
		d.UpdatedAt = time.UnixMilli(o.UpdateTime).UTC()
	}
	return d
}

type walletAsset struct {
	Asset  string    `json:"asset"`
	Amount flexFloat `json:"amount"`
}

type placeOrderPayload struct {
	BaseAsset      string          `json:"baseAsset"`
	QuoteAsset     string          `json:"quoteAsset"`
	Side           Side            `json:"side"`
	Price          json.Number     `json:"price"`
	Quantity       json.Number     `json:"quantity"`
	PaymentDetails []paymentDetail `json:"paymentDetails"`
}

type paymentDetail struct {
	Amount            string `json:"amount"`
	PaymentWalletType string `json:"paymentWalletType"`
}

// flexFloat 兼容交易所以字符串或数字返回的数值字段。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("exchange: 无法解析数值 %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexString 兼容字符串或数字形式的订单号。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	*f = flexString(strings.Trim(string(b), `"`))
	return nil
}

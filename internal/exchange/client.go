package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alphafarm/internal/config"
)

const (
	placeOrderPath   = "/private/alpha-trade/order/place"
	cancelAllPath    = "/private/alpha-trade/order/cancel-all"
	orderHistoryPath = "/private/alpha-trade/order/get-order-history-web"
	aggTradesPath    = "/public/alpha-trade/agg-trades"
	klinesPath       = "/public/alpha-trade/klines"

	walletTypeCard  = "CARD"
	walletTypeAlpha = "ALPHA"

	maxErrorBody = 512
)

// SubmitRecorder 接收每一次下单请求的明细记录。
type SubmitRecorder interface {
	RecordSubmit(ctx context.Context, record SubmitRecord)
}

// Option 调整客户端的可选依赖。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRecorder 设置下单明细记录器。
func WithRecorder(r SubmitRecorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client 负责与 Alpha 网页接口交互并实现重试机制。
type Client struct {
	cfg      config.ExchangeConfig
	trading  config.TradingConfig
	logger   *zap.Logger
	http     *http.Client
	recorder SubmitRecorder
	now      func() time.Time
	sources  []priceSource
}

// NewClient 构造 Alpha 交易客户端。
func NewClient(cfg config.ExchangeConfig, trading config.TradingConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("exchange: base_url 不能为空")
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if trading.PriceDecimals <= 0 {
		trading.PriceDecimals = 8
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		trading: trading,
		logger:  logger,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	sources, err := c.buildPriceSources(cfg.PriceSources)
	if err != nil {
		return nil, err
	}
	c.sources = sources

	return c, nil
}

// SubmitOrder 提交限价单并返回订单号。
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.cfg.CSRFToken == "" || c.cfg.Cookie == "" {
		return "", ErrMissingCredentials
	}

	payload, amount := c.buildPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("exchange: 序列化下单参数失败: %w", err)
	}

	record := SubmitRecord{
		Timestamp:     c.now().UTC(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price.String(),
		Quantity:      req.Quantity.String(),
		PaymentAmount: amount,
		Payload:       body,
	}

	var env apiEnvelope
	traceID, status, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+placeOrderPath, body, &env)
	record.TraceID = traceID
	record.HTTPStatus = status
	if err != nil {
		record.Status = "http_error"
		record.ErrorMessage = err.Error()
		c.record(ctx, record)
		return "", fmt.Errorf("exchange: 提交 %s %s 订单失败: %w", req.Symbol, req.Side, err)
	}

	if !env.ok() {
		apiErr := &APIError{Code: env.Code, Message: env.Message}
		record.Status = "failed"
		record.ErrorCode = env.Code
		record.ErrorMessage = env.Message
		c.record(ctx, record)
		c.logger.Warn("下单被交易所拒绝",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("code", env.Code),
			zap.String("message", env.Message),
		)
		return "", apiErr
	}

	var orderID flexString
	if err := json.Unmarshal(env.Data, &orderID); err != nil || orderID == "" {
		record.Status = "failed"
		record.ErrorMessage = "missing order id"
		c.record(ctx, record)
		return "", &DecodeError{Err: fmt.Errorf("下单响应缺少订单号: %s", string(env.Data))}
	}

	record.Status = "success"
	record.OrderID = string(orderID)
	c.record(ctx, record)

	c.logger.Info("订单已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("price", record.Price),
		zap.String("quantity", record.Quantity),
		zap.String("order_id", record.OrderID),
	)
	return record.OrderID, nil
}

// CancelAllOrders 撤销全部挂单。
func (c *Client) CancelAllOrders(ctx context.Context) error {
	var env apiEnvelope
	if _, _, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+cancelAllPath, []byte("{}"), &env); err != nil {
		return fmt.Errorf("exchange: 撤销全部订单失败: %w", err)
	}
	if !env.ok() || env.Success == nil || !*env.Success {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	c.logger.Info("已撤销全部挂单")
	return nil
}

// LastOrderStatus 查询最近一笔订单，订单号不匹配时返回 UNKNOWN。
func (c *Client) LastOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	details, err := c.LastOrderDetails(ctx)
	if err != nil {
		if errors.Is(err, ErrNoOrders) {
			return StatusUnknown, nil
		}
		return StatusUnknown, err
	}
	if details.OrderID != orderID {
		c.logger.Debug("最近订单与目标订单不一致",
			zap.String("order_id", orderID),
			zap.String("latest_order_id", details.OrderID),
		)
		return StatusUnknown, nil
	}
	return details.Status, nil
}

// LastOrderDetails 返回当日订单历史中的最近一笔订单。
func (c *Client) LastOrderDetails(ctx context.Context) (OrderDetails, error) {
	start, end := c.tradingDay()
	query := url.Values{}
	query.Set("page", "1")
	query.Set("rows", "1")
	query.Set("orderStatus", strings.Join(c.historyStatus(), ","))
	query.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	query.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))

	var orders []historyOrder
	err := c.callWithRetry(ctx, "order_history", func() error {
		var env apiEnvelope
		if _, _, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+orderHistoryPath+"?"+query.Encode(), nil, &env); err != nil {
			return err
		}
		if !env.ok() {
			return &APIError{Code: env.Code, Message: env.Message}
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			orders = nil
			return nil
		}
		if err := json.Unmarshal(env.Data, &orders); err != nil {
			return &DecodeError{Err: err}
		}
		return nil
	})
	if err != nil {
		return OrderDetails{}, err
	}
	if len(orders) == 0 {
		return OrderDetails{}, ErrNoOrders
	}
	return orders[0].details(), nil
}

// WalletBalance 查询钱包中指定资产的余额，资产不存在时返回 0。
func (c *Client) WalletBalance(ctx context.Context, asset string) (float64, error) {
	if c.cfg.AssetURL == "" {
		return 0, errors.New("exchange: asset_url 未配置")
	}
	query := url.Values{}
	query.Set("needAlphaAsset", "true")
	query.Set("needEuFuture", "true")
	query.Set("needPnl", "true")

	var assets []walletAsset
	err := c.callWithRetry(ctx, "wallet_asset", func() error {
		var env apiEnvelope
		if _, _, err := c.do(ctx, http.MethodGet, c.cfg.AssetURL+"?"+query.Encode(), nil, &env); err != nil {
			return err
		}
		if env.Code != "" && !env.ok() {
			return &APIError{Code: env.Code, Message: env.Message}
		}
		if err := json.Unmarshal(env.Data, &assets); err != nil {
			return &DecodeError{Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, item := range assets {
		if strings.EqualFold(item.Asset, asset) {
			return float64(item.Amount), nil
		}
	}
	return 0, nil
}

// BaseAsset 从交易对中去除计价资产后缀。
func (c *Client) BaseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, c.cfg.QuoteAsset)
}

func (c *Client) buildPayload(req OrderRequest) (placeOrderPayload, string) {
	var detail paymentDetail
	switch req.Side {
	case SideBuy:
		amount := req.Quantity.Mul(req.Price).Truncate(c.trading.PriceDecimals)
		detail = paymentDetail{
			Amount:            amount.StringFixed(c.trading.PriceDecimals),
			PaymentWalletType: walletTypeCard,
		}
	default:
		detail = paymentDetail{
			Amount:            req.Quantity.String(),
			PaymentWalletType: walletTypeAlpha,
		}
	}

	return placeOrderPayload{
		BaseAsset:      c.BaseAsset(req.Symbol),
		QuoteAsset:     c.cfg.QuoteAsset,
		Side:           req.Side,
		Price:          json.Number(req.Price.Truncate(c.trading.PriceDecimals).String()),
		Quantity:       json.Number(req.Quantity.String()),
		PaymentDetails: []paymentDetail{detail},
	}, detail.Amount
}

func (c *Client) record(ctx context.Context, record SubmitRecord) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordSubmit(ctx, record)
}

func (c *Client) historyStatus() []string {
	if len(c.cfg.HistoryStatus) > 0 {
		return c.cfg.HistoryStatus
	}
	return []string{"FILLED", "PARTIALLY_FILLED", "EXPIRED", "CANCELED", "REJECTED"}
}

func (c *Client) tradingDay() (time.Time, time.Time) {
	now := c.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.Add(24 * time.Hour)
}

// do 发送请求并将响应解析到 out，返回本次请求的 trace id 与 HTTP 状态码。
func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) (string, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return "", 0, fmt.Errorf("exchange: 构造请求失败: %w", err)
	}

	traceID := uuid.NewString()
	c.applyHeaders(req, traceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return traceID, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return traceID, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(data)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return traceID, resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode, Body: snippet}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return traceID, resp.StatusCode, &DecodeError{Err: err}
	}
	return traceID, resp.StatusCode, nil
}

func (c *Client) applyHeaders(req *http.Request, traceID string) {
	req.Header.Set("content-type", "application/json")
	req.Header.Set("clienttype", "web")
	req.Header.Set("lang", "zh-CN")
	req.Header.Set("x-trace-id", traceID)
	req.Header.Set("x-ui-request-trace", traceID)
	if c.cfg.UserAgent != "" {
		req.Header.Set("user-agent", c.cfg.UserAgent)
	}
	if c.cfg.CSRFToken != "" {
		req.Header.Set("csrftoken", c.cfg.CSRFToken)
	}
	if c.cfg.Cookie != "" {
		req.Header.Set("cookie", c.cfg.Cookie)
	}
	for key, value := range c.cfg.ExtraHeaders {
		if value == "" {
			continue
		}
		req.Header.Set(key, value)
	}
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// truncatePrice 将价格截断到配置的小数位。
func (c *Client) truncatePrice(price float64) float64 {
	return decimal.NewFromFloat(price).Truncate(c.trading.PriceDecimals).InexactFloat64()
}

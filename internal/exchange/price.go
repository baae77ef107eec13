package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	SourceAggTrades = "agg_trades"
	SourceKlines    = "klines"

	klineCloseIndex = 4
)

type priceSource struct {
	name  string
	fetch func(ctx context.Context, symbol string) (float64, error)
}

func (c *Client) buildPriceSources(names []string) ([]priceSource, error) {
	if len(names) == 0 {
		names = []string{SourceAggTrades, SourceKlines}
	}
	sources := make([]priceSource, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case SourceAggTrades:
			sources = append(sources, priceSource{name: SourceAggTrades, fetch: c.aggTradePrice})
		case SourceKlines:
			sources = append(sources, priceSource{name: SourceKlines, fetch: c.klineClose})
		default:
			return nil, fmt.Errorf("exchange: 不支持的价格来源 %q", name)
		}
	}
	return sources, nil
}

// LatestPrice 按配置顺序依次尝试价格来源，返回第一个有效的正价格。
func (c *Client) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	var errs error
	for _, src := range c.sources {
		price, err := src.fetch(ctx, symbol)
		if err == nil && price > 0 {
			return c.truncatePrice(price), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if err == nil {
			err = ErrNoPrice
		}
		c.logger.Debug("价格来源不可用，尝试下一个",
			zap.String("symbol", symbol),
			zap.String("source", src.name),
			zap.Error(err),
		)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", src.name, err))
	}
	if errs == nil {
		errs = ErrNoPrice
	}
	return 0, fmt.Errorf("exchange: 获取 %s 最新价格失败: %w", symbol, errs)
}

func (c *Client) aggTradePrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("limit", "1")

	var trades []aggTrade
	err := c.callWithRetry(ctx, SourceAggTrades, func() error {
		var env apiEnvelope
		if _, _, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+aggTradesPath+"?"+query.Encode(), nil, &env); err != nil {
			return err
		}
		if !env.ok() {
			return &APIError{Code: env.Code, Message: env.Message}
		}
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return &DecodeError{Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, ErrNoPrice
	}
	return float64(trades[0].Price), nil
}

func (c *Client) klineClose(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", "1s")
	query.Set("limit", "1")

	var klines [][]json.RawMessage
	err := c.callWithRetry(ctx, SourceKlines, func() error {
		var env apiEnvelope
		if _, _, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+klinesPath+"?"+query.Encode(), nil, &env); err != nil {
			return err
		}
		if !env.ok() {
			return &APIError{Code: env.Code, Message: env.Message}
		}
		if err := json.Unmarshal(env.Data, &klines); err != nil {
			return &DecodeError{Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 || len(klines[0]) <= klineCloseIndex {
		return 0, ErrNoPrice
	}

	raw := strings.Trim(string(klines[0][klineCloseIndex]), `"`)
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &DecodeError{Err: fmt.Errorf("无法解析收盘价 %q: %w", raw, err)}
	}
	return price, nil
}

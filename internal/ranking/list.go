// Package ranking 选择下一轮循环使用的交易对。
package ranking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QuoteSource 批量查询可报价交易对，通常由 exchange.MarketDataService 提供。
type QuoteSource interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Option 调整 ListRanker 行为。
type Option func(*ListRanker)

// WithQuotes 只选择当前有报价的交易对。
func WithQuotes(q QuoteSource) Option {
	return func(r *ListRanker) { r.quotes = q }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *ListRanker) {
		if now != nil {
			r.now = now
		}
	}
}

// ListRanker 在配置的交易对之间轮换，被降级的交易对在冷却期内跳过。
type ListRanker struct {
	symbols  []string
	cooldown time.Duration
	quotes   QuoteSource
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	cursor  int
	demoted map[string]time.Time
}

// NewListRanker 创建轮换选择器。
func NewListRanker(symbols []string, cooldown time.Duration, logger *zap.Logger, opts ...Option) *ListRanker {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ListRanker{
		symbols:  append([]string(nil), symbols...),
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger,
		demoted:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Best 返回下一个可用交易对，没有可用交易对时返回空字符串。
func (r *ListRanker) Best(ctx context.Context) (string, error) {
	candidates := r.candidates()
	if len(candidates) == 0 {
		return "", nil
	}

	if r.quotes != nil {
		prices, err := r.quotes.LatestPrices(ctx, candidates)
		if err != nil {
			return "", err
		}
		quoted := candidates[:0]
		for _, symbol := range candidates {
			if prices[symbol] > 0 {
				quoted = append(quoted, symbol)
			}
		}
		candidates = quoted
	}
	if len(candidates) == 0 {
		return "", nil
	}

	chosen := candidates[0]
	r.mu.Lock()
	for i, symbol := range r.symbols {
		if symbol == chosen {
			r.cursor = (i + 1) % len(r.symbols)
			break
		}
	}
	r.mu.Unlock()
	return chosen, nil
}

// Demote 使交易对在冷却期内不被选中。
func (r *ListRanker) Demote(symbol string) {
	until := r.now().Add(r.cooldown)
	r.mu.Lock()
	r.demoted[symbol] = until
	r.mu.Unlock()
	r.logger.Info("交易对已降级", zap.String("symbol", symbol), zap.Time("until", until))
}

// candidates 按轮换顺序返回未处于冷却期的交易对。
func (r *ListRanker) candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := len(r.symbols)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		symbol := r.symbols[(r.cursor+i)%n]
		if until, ok := r.demoted[symbol]; ok {
			if now.Before(until) {
				continue
			}
			delete(r.demoted, symbol)
		}
		out = append(out, symbol)
	}
	return out
}

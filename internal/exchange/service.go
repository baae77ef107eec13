package exchange

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const quoteConcurrency = 4

// PriceFetcher 提供单个交易对的最新价格。
type PriceFetcher interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// MarketDataService 并发拉取多个交易对的最新价格。
type MarketDataService struct {
	prices PriceFetcher
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(prices PriceFetcher, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		prices: prices,
		logger: logger,
	}
}

// LatestPrices 返回可报价交易对的最新价格。单个交易对失败不会中断其余请求，
// 失败的交易对不出现在结果中。
func (s *MarketDataService) LatestPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	var (
		mu     sync.Mutex
		quotes = make(map[string]float64, len(symbols))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(quoteConcurrency)

	for _, symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			price, err := s.prices.LatestPrice(groupCtx, symbol)
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger.Debug("交易对暂无报价", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			mu.Lock()
			quotes[symbol] = price
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return quotes, nil
}

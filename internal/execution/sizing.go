package execution

import (
	"github.com/shopspring/decimal"

	"alphafarm/internal/config"
	"alphafarm/internal/exchange"
)

// Sizer 负责价格偏移与数量截断。
type Sizer struct {
	cfg  config.TradingConfig
	tick decimal.Decimal
	fee  decimal.Decimal
}

// NewSizer 根据交易配置创建 Sizer。
func NewSizer(cfg config.TradingConfig) Sizer {
	if cfg.PriceDecimals <= 0 {
		cfg.PriceDecimals = 8
	}
	return Sizer{
		cfg:  cfg,
		tick: decimal.NewFromFloat(cfg.PriceTick),
		fee:  decimal.NewFromFloat(cfg.FeeRate),
	}
}

// OrderPrice 买单加一个最小价位，卖单减一个最小价位，截断到价格精度。
func (s Sizer) OrderPrice(side exchange.Side, reference float64) decimal.Decimal {
	price := decimal.NewFromFloat(reference)
	if side == exchange.SideBuy {
		price = price.Add(s.tick)
	} else {
		price = price.Sub(s.tick)
	}
	return price.Truncate(s.cfg.PriceDecimals)
}

// LotDecimals 返回交易对的数量精度。
func (s Sizer) LotDecimals(symbol string) int32 {
	if symbol == s.cfg.DesignatedSymbol {
		return s.cfg.DesignatedDecimals
	}
	return s.cfg.DefaultDecimals
}

// Budget 返回交易对的单笔买入预算。
func (s Sizer) Budget(symbol string) decimal.Decimal {
	if symbol == s.cfg.DesignatedSymbol {
		return decimal.NewFromFloat(s.cfg.DesignatedNotional)
	}
	return decimal.NewFromFloat(s.cfg.DefaultNotional)
}

// BuyQuantity 为预算除以价格后向下截断的数量。
func (s Sizer) BuyQuantity(symbol string, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return s.Budget(symbol).Div(price).Truncate(s.LotDecimals(symbol))
}

// SellQuantity 为持仓扣除手续费后向下截断的数量。
func (s Sizer) SellQuantity(symbol string, held float64) decimal.Decimal {
	if held <= 0 {
		return decimal.Zero
	}
	net := decimal.NewFromFloat(held).Mul(decimal.NewFromInt(1).Sub(s.fee))
	return net.Truncate(s.LotDecimals(symbol))
}

// Remaining 返回 orig-executed 截断到交易对精度后的剩余数量。
func (s Sizer) Remaining(symbol string, orig, executed float64) decimal.Decimal {
	remaining := decimal.NewFromFloat(orig).Sub(decimal.NewFromFloat(executed))
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	return remaining.Truncate(s.LotDecimals(symbol))
}

// FeeRate 返回估算的手续费率。
func (s Sizer) FeeRate() float64 {
	return s.cfg.FeeRate
}

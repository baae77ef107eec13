package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alphafarm/internal/exchange"
)

func TestSizer_BuyQuantityFloorsByInstrument(t *testing.T) {
	sizer := NewSizer(testTrading(1e-8))

	cases := []struct {
		symbol string
		price  string
		want   string
	}{
		{koge, "48.0", "21.3541"},
		{"ALPHA_1USDT", "0.10", "10300"},
		{"ALPHA_1USDT", "0.33", "3121.21"},
		{koge, "0", "0"},
	}
	for _, tc := range cases {
		got := sizer.BuyQuantity(tc.symbol, decimal.RequireFromString(tc.price))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("%s @ %s: expected %s, got %s", tc.symbol, tc.price, tc.want, got)
		}
	}
}

func TestSizer_SellQuantityDeductsFee(t *testing.T) {
	sizer := NewSizer(testTrading(1e-8))

	if got := sizer.SellQuantity("ALPHA_1USDT", 500); !got.Equal(decimal.RequireFromString("499.95")) {
		t.Fatalf("expected 499.95, got %s", got)
	}
	if got := sizer.SellQuantity(koge, 21.3541); !got.Equal(decimal.RequireFromString("21.3519")) {
		t.Fatalf("expected 21.3519, got %s", got)
	}
	if got := sizer.SellQuantity(koge, 0); !got.IsZero() {
		t.Fatalf("expected zero for empty position, got %s", got)
	}
}

func TestSizer_OrderPriceOffsetsByTick(t *testing.T) {
	sizer := NewSizer(testTrading(1e-8))

	if got := sizer.OrderPrice(exchange.SideBuy, 0.123456789); !got.Equal(decimal.RequireFromString("0.12345679")) {
		t.Errorf("unexpected buy price %s", got)
	}
	if got := sizer.OrderPrice(exchange.SideSell, 48); !got.Equal(decimal.RequireFromString("47.99999999")) {
		t.Errorf("unexpected sell price %s", got)
	}
}

func TestSizer_Remaining(t *testing.T) {
	sizer := NewSizer(testTrading(1e-8))
	if got := sizer.Remaining("ALPHA_1USDT", 21.35, 8.54); !got.Equal(decimal.RequireFromString("12.81")) {
		t.Fatalf("expected 12.81, got %s", got)
	}
	if got := sizer.Remaining("ALPHA_1USDT", 10, 10); !got.IsZero() {
		t.Fatalf("expected zero remaining, got %s", got)
	}
}

func TestJitterStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second, 2*time.Second)
		if d < time.Second || d > 2*time.Second {
			t.Fatalf("jitter %v out of range", d)
		}
	}
	if Jitter(3*time.Second, time.Second) != 3*time.Second {
		t.Fatal("inverted range should return the lower bound")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep returned %v", err)
	}
}

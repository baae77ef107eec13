package trading

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"

	"alphafarm/internal/config"
	"alphafarm/internal/exchange"
	"alphafarm/internal/execution"
	"alphafarm/internal/monitor"
	"alphafarm/internal/position"
	"alphafarm/internal/stats"
	"alphafarm/internal/store"
)

const symbol = "ALPHA_1USDT"

type fakeExchange struct {
	mu sync.Mutex

	prices    []float64
	priceIdx  int
	submitErr error
	submits   []exchange.OrderRequest
	// cancelsAtSubmit 记录每次下单时已发生的撤单次数
	cancelsAtSubmit []int
	cancels         int
	status          func(orderID string) exchange.OrderStatus
	details         func(orderID string, req exchange.OrderRequest) exchange.OrderDetails
	detailsErr      error
	wallet          float64
	walletErr       error
}

func newFakeExchange(prices ...float64) *fakeExchange {
	return &fakeExchange{prices: prices}
}

func (f *fakeExchange) LatestPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prices) == 0 {
		return 0, exchange.ErrNoPrice
	}
	idx := f.priceIdx
	if idx >= len(f.prices) {
		idx = len(f.prices) - 1
	}
	f.priceIdx++
	return f.prices[idx], nil
}

func (f *fakeExchange) SubmitOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	f.cancelsAtSubmit = append(f.cancelsAtSubmit, f.cancels)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return strconv.Itoa(len(f.submits)), nil
}

func (f *fakeExchange) LastOrderStatus(_ context.Context, orderID string) (exchange.OrderStatus, error) {
	f.mu.Lock()
	fn := f.status
	f.mu.Unlock()
	if fn == nil {
		return exchange.StatusFilled, nil
	}
	return fn(orderID), nil
}

func (f *fakeExchange) LastOrderDetails(context.Context) (exchange.OrderDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submits) == 0 {
		return exchange.OrderDetails{}, exchange.ErrNoOrders
	}
	if f.detailsErr != nil {
		return exchange.OrderDetails{}, f.detailsErr
	}
	orderID := strconv.Itoa(len(f.submits))
	req := f.submits[len(f.submits)-1]
	if f.details != nil {
		return f.details(orderID, req), nil
	}
	return filled(orderID, req), nil
}

func (f *fakeExchange) CancelAllOrders(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeExchange) WalletBalance(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallet, f.walletErr
}

func (f *fakeExchange) submitted() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.submits...)
}

func filled(orderID string, req exchange.OrderRequest) exchange.OrderDetails {
	qty := req.Quantity.InexactFloat64()
	return exchange.OrderDetails{
		OrderID:     orderID,
		Side:        req.Side,
		Status:      exchange.StatusFilled,
		OrigQty:     qty,
		ExecutedQty: qty,
		CumQuote:    req.Quantity.Mul(req.Price).InexactFloat64(),
	}
}

func unfilled(orderID string, req exchange.OrderRequest) exchange.OrderDetails {
	return exchange.OrderDetails{
		OrderID: orderID,
		Side:    req.Side,
		Status:  exchange.StatusCanceled,
		OrigQty: req.Quantity.InexactFloat64(),
	}
}

type fakeReporter struct {
	mu     sync.Mutex
	alerts []string
	cycles []monitor.CycleResultPayload
}

func (r *fakeReporter) Alert(_ context.Context, kind, _ string, _ error, _ *position.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, kind)
}

func (r *fakeReporter) RecordCycle(_ context.Context, _ string, payload monitor.CycleResultPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, payload)
}

func (r *fakeReporter) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type harness struct {
	ex       *fakeExchange
	book     *position.Book
	tracker  *stats.Tracker
	reporter *fakeReporter
	runner   *Runner
}

func newHarness(t *testing.T, ex *fakeExchange, policy execution.Policy) *harness {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tracker, err := stats.NewTracker(context.Background(), st, config.StatsConfig{}, nil)
	if err != nil {
		t.Fatalf("NewTracker returned error: %v", err)
	}

	tradingCfg := config.TradingConfig{
		DesignatedSymbol:   "ALPHA_22USDT",
		DesignatedNotional: 1025,
		DesignatedDecimals: 4,
		DefaultNotional:    1030,
		DefaultDecimals:    2,
		FeeRate:            0.0001,
		PriceDecimals:      8,
	}
	controller := execution.NewController(ex, execution.NewSizer(tradingCfg), policy, nil)
	book := position.NewBook([]config.InstrumentConfig{{Symbol: symbol, DisplayName: "ONE"}}, "USDT")
	reporter := &fakeReporter{}

	return &harness{
		ex:       ex,
		book:     book,
		tracker:  tracker,
		reporter: reporter,
		runner:   NewRunner(ex, controller, book, tracker, reporter, RunnerConfig{PriceAttempts: 3}, nil),
	}
}

func instantPolicy() execution.Policy {
	return execution.Policy{
		MaxSubmitAttempts:  5,
		MaxPollChecks:      5,
		MaxPartialRechecks: 5,
		MaxRepriceAttempts: 0,
		MaxResubmits:       10,
	}
}

func TestRunner_RoundTripUpdatesCounters(t *testing.T) {
	h := newHarness(t, newFakeExchange(0.10, 0.099), instantPolicy())

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if err != nil || res != ResultSuccess {
		t.Fatalf("expected success, got %s (%v)", res, err)
	}

	submits := h.ex.submitted()
	if len(submits) != 2 {
		t.Fatalf("expected buy and sell, got %d submits", len(submits))
	}
	if submits[1].Quantity.String() != "10298.97" {
		t.Fatalf("expected sell quantity 10298.97, got %s", submits[1].Quantity)
	}

	want := 10300*0.10 - 10298.97*0.099
	counters := h.tracker.Counters()
	if counters.CompletedTrades != 1 {
		t.Fatalf("expected 1 completed trade, got %d", counters.CompletedTrades)
	}
	if math.Abs(counters.CumulativeLoss-want) > 1e-6 {
		t.Fatalf("expected loss %v, got %v", want, counters.CumulativeLoss)
	}
	if math.Abs(counters.CumulativeNotional-1030) > 1e-6 {
		t.Fatalf("expected notional 1030, got %v", counters.CumulativeNotional)
	}
	if !h.book.State(symbol).Flat() {
		t.Fatal("position should be flat after a completed cycle")
	}
	if h.reporter.alertCount() != 0 {
		t.Fatalf("unexpected alerts %v", h.reporter.alerts)
	}
}

func TestRunner_BuyExhaustionAbortsWithoutCounters(t *testing.T) {
	ex := newFakeExchange(0.10)
	ex.submitErr = &exchange.APIError{Code: "345124", Message: "rejected"}
	h := newHarness(t, ex, instantPolicy())

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if res != ResultFailed {
		t.Fatalf("expected failed, got %s", res)
	}
	if !errors.Is(err, execution.ErrReconsider) {
		t.Fatalf("expected ErrReconsider, got %v", err)
	}
	if n := len(h.ex.submitted()); n != 5 {
		t.Fatalf("expected exactly 5 submissions, got %d", n)
	}
	if got := h.tracker.Counters(); got.CompletedTrades != 0 {
		t.Fatalf("counters must not change, got %+v", got)
	}
	if !h.book.State(symbol).Flat() {
		t.Fatal("position should stay flat")
	}
}

func TestRunner_StopMidSellCleansUpHeldQuantity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := newFakeExchange(2.06)
	ex.status = func(orderID string) exchange.OrderStatus {
		if orderID == "2" {
			cancel()
			return exchange.StatusSubmitted
		}
		return exchange.StatusFilled
	}
	ex.details = func(orderID string, req exchange.OrderRequest) exchange.OrderDetails {
		if orderID == "2" {
			return unfilled(orderID, req)
		}
		return filled(orderID, req)
	}
	h := newHarness(t, ex, instantPolicy())

	res, err := h.runner.RunCycle(ctx, symbol)
	if res != ResultStopped || !errors.Is(err, execution.ErrStopped) {
		t.Fatalf("expected stopped, got %s (%v)", res, err)
	}

	submits := h.ex.submitted()
	if len(submits) != 3 {
		t.Fatalf("expected buy, sell and cleanup sell, got %d submits", len(submits))
	}
	if submits[0].Quantity.String() != "500" {
		t.Fatalf("expected buy quantity 500, got %s", submits[0].Quantity)
	}
	cleanupSell := submits[2]
	if cleanupSell.Side != exchange.SideSell || cleanupSell.Quantity.String() != "499.95" {
		t.Fatalf("expected cleanup sell of 499.95, got %s %s", cleanupSell.Side, cleanupSell.Quantity)
	}
	if h.ex.cancelsAtSubmit[2] < 1 {
		t.Fatal("cleanup must cancel open orders before selling")
	}
	if !h.book.State(symbol).Flat() {
		t.Fatal("position should be flat after cleanup")
	}
	if got := h.tracker.Counters(); got.CompletedTrades != 0 {
		t.Fatalf("stopped cycle must not count as completed, got %+v", got)
	}
}

func TestRunner_UnresolvedSellAlertsAndKeepsPosition(t *testing.T) {
	ex := newFakeExchange(0.10)
	ex.wallet = 1e9
	ex.status = func(orderID string) exchange.OrderStatus {
		if orderID == "1" {
			return exchange.StatusFilled
		}
		return exchange.StatusSubmitted
	}
	ex.details = func(orderID string, req exchange.OrderRequest) exchange.OrderDetails {
		if orderID == "1" {
			return filled(orderID, req)
		}
		return unfilled(orderID, req)
	}
	h := newHarness(t, ex, instantPolicy())

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if res != ResultStuck || !errors.Is(err, execution.ErrSellUnresolved) {
		t.Fatalf("expected stuck, got %s (%v)", res, err)
	}
	if h.reporter.alertCount() != 1 {
		t.Fatalf("expected one alert, got %v", h.reporter.alerts)
	}
	if held := h.book.State(symbol).Held(); held != 10300 {
		t.Fatalf("held quantity must stay tracked, got %v", held)
	}
	for i, req := range h.ex.submitted()[1:] {
		if req.Quantity.GreaterThan(h.ex.submitted()[1].Quantity) {
			t.Fatalf("sell %d inflated quantity to %s", i, req.Quantity)
		}
	}
}

func TestRunner_CleanupIsNoopWhenFlat(t *testing.T) {
	h := newHarness(t, newFakeExchange(0.10), instantPolicy())

	for i := 0; i < 2; i++ {
		if err := h.runner.Cleanup(context.Background(), symbol); err != nil {
			t.Fatalf("Cleanup returned error: %v", err)
		}
	}
	if n := len(h.ex.submitted()); n != 0 {
		t.Fatalf("expected no orders, got %d", n)
	}
	if h.ex.cancels != 0 {
		t.Fatalf("expected no cancel calls, got %d", h.ex.cancels)
	}
}

func TestRunner_LeftoverPositionIsSoldFirst(t *testing.T) {
	h := newHarness(t, newFakeExchange(2.06), instantPolicy())
	h.book.State(symbol).RecordBuy(500, 1030)

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if err != nil || res != ResultSuccess {
		t.Fatalf("expected success, got %s (%v)", res, err)
	}
	submits := h.ex.submitted()
	if len(submits) != 3 || submits[0].Side != exchange.SideSell || submits[0].Quantity.String() != "499.95" {
		t.Fatalf("expected leftover sell first, got %+v", submits)
	}
	if h.ex.cancels != 1 {
		t.Fatalf("expected one cancel-all during cleanup, got %d", h.ex.cancels)
	}
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, *position.State, exchange.Side, float64) error {
	panic("boom")
}

func TestRunner_RecoversPanic(t *testing.T) {
	ex := newFakeExchange(0.10)
	book := position.NewBook(nil, "USDT")
	reporter := &fakeReporter{}
	runner := NewRunner(ex, panicExecutor{}, book, nil, reporter, RunnerConfig{}, nil)

	res, err := runner.RunCycle(context.Background(), symbol)
	if res != ResultPanic || !errors.Is(err, ErrCyclePanic) {
		t.Fatalf("expected panic result, got %s (%v)", res, err)
	}
	if len(reporter.cycles) != 1 || reporter.cycles[0].Result != string(ResultPanic) {
		t.Fatalf("expected panic cycle event, got %+v", reporter.cycles)
	}

	// 锁已释放，下一轮可以继续获取
	if _, err := runner.RunCycle(context.Background(), symbol); !errors.Is(err, ErrCyclePanic) {
		t.Fatalf("expected second run to reach the executor, got %v", err)
	}
}

func TestRunner_PriceRetriesExhausted(t *testing.T) {
	h := newHarness(t, newFakeExchange(), instantPolicy())

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if res != ResultFailed || !errors.Is(err, exchange.ErrNoPrice) {
		t.Fatalf("expected failed with ErrNoPrice, got %s (%v)", res, err)
	}
	if n := len(h.ex.submitted()); n != 0 {
		t.Fatalf("no order should be submitted without a price, got %d", n)
	}
}

func TestRunner_SellWithoutWalletBalanceStaysStuck(t *testing.T) {
	cases := []struct {
		name      string
		walletErr error
	}{
		{name: "asset missing"},
		{name: "lookup failed", walletErr: errors.New("wallet unavailable")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex := newFakeExchange(0.10)
			ex.walletErr = tc.walletErr
			ex.status = func(orderID string) exchange.OrderStatus {
				if orderID == "1" {
					return exchange.StatusFilled
				}
				return exchange.StatusSubmitted
			}
			ex.details = func(orderID string, req exchange.OrderRequest) exchange.OrderDetails {
				if orderID == "1" {
					return filled(orderID, req)
				}
				return unfilled(orderID, req)
			}
			h := newHarness(t, ex, instantPolicy())

			res, err := h.runner.RunCycle(context.Background(), symbol)
			if res != ResultStuck || !errors.Is(err, execution.ErrSellUnresolved) {
				t.Fatalf("expected stuck, got %s (%v)", res, err)
			}
			if h.reporter.alertCount() != 1 {
				t.Fatalf("expected one alert, got %v", h.reporter.alerts)
			}
			if held := h.book.State(symbol).Held(); held != 10300 {
				t.Fatalf("held quantity must stay tracked, got %v", held)
			}
			if got := h.tracker.Counters(); got.CompletedTrades != 0 || got.CumulativeLoss != 0 {
				t.Fatalf("unsold position must not count as a trade, got %+v", got)
			}
		})
	}
}

// partialBuy 让买单先部分成交再被撤销，卖单直接成交。
func partialBuy() func(orderID string) exchange.OrderStatus {
	var mu sync.Mutex
	polls := 0
	return func(orderID string) exchange.OrderStatus {
		if orderID != "1" {
			return exchange.StatusFilled
		}
		mu.Lock()
		defer mu.Unlock()
		polls++
		if polls <= 6 {
			return exchange.StatusPartiallyFilled
		}
		return exchange.StatusCanceled
	}
}

func TestRunner_PartialBuyWithoutDetailsIsSoldFromWallet(t *testing.T) {
	ex := newFakeExchange(0.10)
	ex.status = partialBuy()
	ex.detailsErr = errors.New("history unavailable")
	ex.wallet = 4120
	h := newHarness(t, ex, instantPolicy())

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if res != ResultFailed || !errors.Is(err, execution.ErrBuyNotFilled) {
		t.Fatalf("expected failed buy, got %s (%v)", res, err)
	}
	submits := h.ex.submitted()
	if len(submits) != 2 {
		t.Fatalf("expected buy and cleanup sell, got %d submits", len(submits))
	}
	if submits[1].Side != exchange.SideSell || submits[1].Quantity.String() != "4119.58" {
		t.Fatalf("expected cleanup sell of 4119.58, got %s %s", submits[1].Side, submits[1].Quantity)
	}
	if !h.book.State(symbol).Flat() {
		t.Fatal("position should be flat after cleanup")
	}
	if h.reporter.alertCount() != 0 {
		t.Fatalf("unexpected alerts %v", h.reporter.alerts)
	}
}

func TestRunner_UnconfirmedBuyAlerts(t *testing.T) {
	ex := newFakeExchange(0.10)
	ex.status = partialBuy()
	ex.detailsErr = errors.New("history unavailable")
	ex.walletErr = errors.New("wallet unavailable")
	h := newHarness(t, ex, instantPolicy())

	res, err := h.runner.RunCycle(context.Background(), symbol)
	if res != ResultStuck || !errors.Is(err, execution.ErrBuyNotFilled) {
		t.Fatalf("expected stuck, got %s (%v)", res, err)
	}
	if h.reporter.alertCount() != 1 {
		t.Fatalf("expected one alert, got %v", h.reporter.alerts)
	}
	if _, open := h.book.State(symbol).OpenOrder(); !open {
		t.Fatal("unconfirmed order must stay registered for a later cleanup")
	}
	if n := len(h.ex.submitted()); n != 1 {
		t.Fatalf("nothing should be sold without a known quantity, got %d submits", n)
	}
}

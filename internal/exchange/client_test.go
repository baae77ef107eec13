package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alphafarm/internal/config"
)

type recorderStub struct {
	mu      sync.Mutex
	records []SubmitRecord
}

func (r *recorderStub) RecordSubmit(_ context.Context, record SubmitRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.ExchangeConfig{
		BaseURL:      srv.URL,
		AssetURL:     srv.URL + "/wallet/asset",
		CSRFToken:    "csrf",
		Cookie:       "p20t=abc",
		QuoteAsset:   "USDT",
		Timeout:      2 * time.Second,
		PriceSources: []string{SourceAggTrades, SourceKlines},
		ExtraHeaders: map[string]string{"bnc-uuid": "device-1"},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			MinDelay:    time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
	trading := config.TradingConfig{PriceDecimals: 8}

	client, err := NewClient(cfg, trading, nil, opts...)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func TestSubmitOrder_BuildsBuyPayload(t *testing.T) {
	var (
		gotBody    map[string]any
		gotHeaders http.Header
	)
	mux := http.NewServeMux()
	mux.HandleFunc(placeOrderPath, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"code":"000000","data":987654321,"success":true}`))
	})

	rec := &recorderStub{}
	client := newTestClient(t, mux, WithRecorder(rec))

	orderID, err := client.SubmitOrder(context.Background(), OrderRequest{
		Symbol:   "ALPHA_22USDT",
		Side:     SideBuy,
		Price:    decimal.NewFromInt(48),
		Quantity: decimal.RequireFromString("21.3541"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if orderID != "987654321" {
		t.Fatalf("unexpected order id %q", orderID)
	}

	if gotBody["baseAsset"] != "ALPHA_22" || gotBody["quoteAsset"] != "USDT" || gotBody["side"] != "BUY" {
		t.Fatalf("unexpected payload: %v", gotBody)
	}
	details, ok := gotBody["paymentDetails"].([]any)
	if !ok || len(details) != 1 {
		t.Fatalf("unexpected payment details: %v", gotBody["paymentDetails"])
	}
	detail := details[0].(map[string]any)
	if detail["amount"] != "1024.99680000" || detail["paymentWalletType"] != "CARD" {
		t.Fatalf("unexpected payment detail: %v", detail)
	}

	if gotHeaders.Get("csrftoken") != "csrf" || gotHeaders.Get("clienttype") != "web" {
		t.Fatalf("missing session headers: %v", gotHeaders)
	}
	if gotHeaders.Get("bnc-uuid") != "device-1" {
		t.Fatalf("missing extra header: %v", gotHeaders)
	}
	if gotHeaders.Get("x-trace-id") == "" {
		t.Fatal("expected trace id header")
	}

	if len(rec.records) != 1 || rec.records[0].Status != "success" || rec.records[0].OrderID != "987654321" {
		t.Fatalf("unexpected submit records: %+v", rec.records)
	}
}

func TestSubmitOrder_SellPaysWithAlphaWallet(t *testing.T) {
	var gotBody placeOrderPayload
	mux := http.NewServeMux()
	mux.HandleFunc(placeOrderPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"code":"000000","data":"42"}`))
	})
	client := newTestClient(t, mux)

	if _, err := client.SubmitOrder(context.Background(), OrderRequest{
		Symbol:   "ALPHA_22USDT",
		Side:     SideSell,
		Price:    decimal.RequireFromString("47.99999999"),
		Quantity: decimal.RequireFromString("21.3519"),
	}); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	if len(gotBody.PaymentDetails) != 1 {
		t.Fatalf("unexpected payment details: %+v", gotBody.PaymentDetails)
	}
	if gotBody.PaymentDetails[0].Amount != "21.3519" || gotBody.PaymentDetails[0].PaymentWalletType != "ALPHA" {
		t.Fatalf("unexpected sell payment: %+v", gotBody.PaymentDetails[0])
	}
}

func TestSubmitOrder_Rejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(placeOrderPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"345124","message":"余额不足","data":null}`))
	})
	rec := &recorderStub{}
	client := newTestClient(t, mux, WithRecorder(rec))

	_, err := client.SubmitOrder(context.Background(), OrderRequest{
		Symbol:   "ALPHA_1USDT",
		Side:     SideBuy,
		Price:    decimal.NewFromFloat(0.1),
		Quantity: decimal.NewFromInt(10300),
	})
	if !IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("rejections must not be retried")
	}
	if len(rec.records) != 1 || rec.records[0].ErrorCode != "345124" {
		t.Fatalf("unexpected submit records: %+v", rec.records)
	}
}

func TestSubmitOrder_MissingCredentials(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())
	client.cfg.Cookie = ""

	_, err := client.SubmitOrder(context.Background(), OrderRequest{Symbol: "ALPHA_1USDT", Side: SideBuy})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestLatestPrice_FallsBackToKlines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(aggTradesPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"000000","data":[]}`))
	})
	mux.HandleFunc(klinesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "1s" {
			t.Errorf("unexpected interval %q", r.URL.Query().Get("interval"))
		}
		_, _ = w.Write([]byte(`{"code":"000000","data":[[1700000000000,"0.5","0.6","0.4","0.512345678","100"]]}`))
	})
	client := newTestClient(t, mux)

	price, err := client.LatestPrice(context.Background(), "ALPHA_1USDT")
	if err != nil {
		t.Fatalf("LatestPrice returned error: %v", err)
	}
	if price != 0.51234567 {
		t.Fatalf("expected truncated close 0.51234567, got %v", price)
	}
}

func TestLatestPrice_PrefersAggTrades(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(aggTradesPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"000000","data":[{"p":"48.1","q":"1","T":1700000000000,"a":1,"m":false}]}`))
	})
	mux.HandleFunc(klinesPath, func(w http.ResponseWriter, r *http.Request) {
		t.Error("klines should not be queried when agg trades succeed")
	})
	client := newTestClient(t, mux)

	price, err := client.LatestPrice(context.Background(), "ALPHA_22USDT")
	if err != nil {
		t.Fatalf("LatestPrice returned error: %v", err)
	}
	if price != 48.1 {
		t.Fatalf("expected 48.1, got %v", price)
	}
}

func TestLatestPrice_AllSourcesFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(aggTradesPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc(klinesPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"000000","data":[]}`))
	})
	client := newTestClient(t, mux)

	_, err := client.LatestPrice(context.Background(), "ALPHA_1USDT")
	if err == nil {
		t.Fatal("expected error when no source yields a price")
	}
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice in chain, got %v", err)
	}
}

func TestLastOrderStatus_MatchesLatestOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(orderHistoryPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("rows") != "1" || !strings.Contains(q.Get("orderStatus"), "PARTIALLY_FILLED") {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{"code":"000000","data":[{"orderId":1001,"status":"PARTIALLY_FILLED","origQty":"10","executedQty":"4","cumQuote":"40","side":"BUY"}]}`))
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	status, err := client.LastOrderStatus(ctx, "1001")
	if err != nil {
		t.Fatalf("LastOrderStatus returned error: %v", err)
	}
	if status != StatusPartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", status)
	}

	status, err = client.LastOrderStatus(ctx, "999")
	if err != nil {
		t.Fatalf("LastOrderStatus returned error: %v", err)
	}
	if status != StatusUnknown {
		t.Fatalf("expected UNKNOWN for mismatched order, got %s", status)
	}

	details, err := client.LastOrderDetails(ctx)
	if err != nil {
		t.Fatalf("LastOrderDetails returned error: %v", err)
	}
	if details.ExecutedQty != 4 || details.CumQuote != 40 || details.Remaining() != 6 {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestLastOrderDetails_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(orderHistoryPath, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"code":"000000","data":[{"orderId":"7","status":"FILLED","origQty":"1","executedQty":"1","cumQuote":"2","side":"SELL"}]}`))
	})
	client := newTestClient(t, mux)

	details, err := client.LastOrderDetails(context.Background())
	if err != nil {
		t.Fatalf("LastOrderDetails returned error: %v", err)
	}
	if calls.Load() != 2 || details.Status != StatusFilled {
		t.Fatalf("expected retry then FILLED, calls=%d details=%+v", calls.Load(), details)
	}
}

func TestCancelAllOrders_RequiresSuccessFlag(t *testing.T) {
	var success atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc(cancelAllPath, func(w http.ResponseWriter, r *http.Request) {
		if success.Load() {
			_, _ = w.Write([]byte(`{"code":"000000","success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":"000000","success":false}`))
	})
	client := newTestClient(t, mux)

	if err := client.CancelAllOrders(context.Background()); err == nil {
		t.Fatal("expected failure when success flag is false")
	}
	success.Store(true)
	if err := client.CancelAllOrders(context.Background()); err != nil {
		t.Fatalf("CancelAllOrders returned error: %v", err)
	}
}

func TestWalletBalance_MatchesAsset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wallet/asset", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("needAlphaAsset") != "true" {
			t.Errorf("missing needAlphaAsset flag")
		}
		_, _ = w.Write([]byte(`{"code":"000000","data":[{"asset":"USDT","amount":"12.5"},{"asset":"KOGE","amount":"499.95"}]}`))
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	amount, err := client.WalletBalance(ctx, "KOGE")
	if err != nil {
		t.Fatalf("WalletBalance returned error: %v", err)
	}
	if amount != 499.95 {
		t.Fatalf("expected 499.95, got %v", amount)
	}

	amount, err = client.WalletBalance(ctx, "MISSING")
	if err != nil || amount != 0 {
		t.Fatalf("expected zero balance for missing asset, got %v err=%v", amount, err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"api", &APIError{Code: "1"}, false},
		{"server", &HTTPError{StatusCode: 502}, true},
		{"rate limit", &HTTPError{StatusCode: 429}, true},
		{"client", &HTTPError{StatusCode: 403}, false},
		{"decode", &DecodeError{Err: errors.New("eof")}, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	if ParseOrderStatus("NEW") != StatusSubmitted {
		t.Error("NEW should map to SUBMITTED")
	}
	if ParseOrderStatus("cancelled") != StatusCanceled {
		t.Error("cancelled should map to CANCELED")
	}
	if ParseOrderStatus("weird") != StatusUnknown {
		t.Error("unknown status should map to UNKNOWN")
	}
	if !StatusExpired.Terminal() || StatusPartiallyFilled.Terminal() {
		t.Error("unexpected terminal classification")
	}
}

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"scalper-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestClient builds a signed client pointed at an httptest server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		http:   resty.New().SetBaseURL(srv.URL).SetHeader("Content-Type", "application/json"),
		auth:   NewAuth(Credentials{APIKey: "k", APISecret: "s"}, 5000),
		rl:     NewRateLimiter(),
		logger: testLogger(),
	}
}

func TestFormatDecimal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"1.500", "1.5"},
		{"1.00", "1"},
		{"0.010", "0.01"},
		{"100", "100"},
		{"0.0", "0"},
		{"-2.30", "-2.3"},
	}
	for _, tt := range tests {
		d, err := decimal.NewFromString(tt.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.in, err)
		}
		if got := FormatDecimal(d); got != tt.want {
			t.Errorf("FormatDecimal(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundDownToStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		val  string
		step string
		want string
	}{
		{"1.007", "0.01", "1"},
		{"1.017", "0.01", "1.01"},
		{"0.59523", "0.01", "0.59"},
		{"5", "1", "5"},
		{"0.004", "0.01", "0"},
		{"2.5", "0", "2.5"},
	}
	for _, tt := range tests {
		val, _ := decimal.NewFromString(tt.val)
		step, _ := decimal.NewFromString(tt.step)
		want, _ := decimal.NewFromString(tt.want)
		if got := RoundDownToStep(val, step); !got.Equal(want) {
			t.Errorf("RoundDownToStep(%s, %s) = %s, want %s", tt.val, tt.step, got, want)
		}
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want types.OrderStatus
	}{
		{"New", types.OrderStatusNew},
		{"PartiallyFilled", types.OrderStatusPartiallyFilled},
		{"Filled", types.OrderStatusFilled},
		{"Cancelled", types.OrderStatusCancelled},
		{"PartiallyFilledCanceled", types.OrderStatusCancelled},
		{"Rejected", types.OrderStatusRejected},
	}
	for _, tt := range tests {
		if got := mapOrderStatus(tt.in); got != tt.want {
			t.Errorf("mapOrderStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	auth := &APIError{Code: 10003, Msg: "invalid api key"}
	if !IsAuthError(auth) {
		t.Error("10003 should be an auth error")
	}
	if IsTransient(auth) {
		t.Error("auth errors must not be transient")
	}

	timeout := fmt.Errorf("request: %w", context.DeadlineExceeded)
	if !IsTransient(timeout) {
		t.Error("timeouts should be transient")
	}

	param := &APIError{Code: 10001, Msg: "params error"}
	if IsTransient(param) {
		t.Error("parameter rejections must not be transient")
	}

	if !benignCode(110001) || !benignCode(110043) || !benignCode(34040) {
		t.Error("benign codes misclassified")
	}
	if benignCode(10004) {
		t.Error("10004 is not benign")
	}
}

func TestCancelOrderGoneIsSuccess(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":110001,"retMsg":"order not exists or too late to cancel","result":{}}`)
	}))

	ok, err := c.CancelOrder(context.Background(), "BTCUSDT", "oid-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ok {
		t.Error("cancel of nonexistent order should report success")
	}
}

func TestSetLeverageNotModifiedIsSuccess(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	}))

	ok, err := c.SetLeverage(context.Background(), "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if !ok {
		t.Error("leverage-not-modified should report success")
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"retCode":10004,"retMsg":"error sign","result":{}}`)
	}))

	_, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:    "BTCUSDT",
		Side:      types.Buy,
		OrderType: types.OrderTypeMarket,
		Qty:       decimal.NewFromInt(1),
	})
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("auth error retried: %d calls, want 1", calls)
	}
}

func TestPlaceOrderQtyCanonical(t *testing.T) {
	t.Parallel()

	var gotQty string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := jsonDecode(r, &body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotQty, _ = body["qty"].(string)
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"exch-1"}}`)
	}))

	qty := decimal.RequireFromString("1.500")
	id, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:        "BTCUSDT",
		Side:          types.Buy,
		OrderType:     types.OrderTypeMarket,
		Qty:           qty,
		ClientOrderID: "bot1_BTCUSDT_1_abcd",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "exch-1" {
		t.Errorf("order id = %q, want exch-1", id)
	}
	if gotQty != "1.5" {
		t.Errorf("wire qty = %q, want canonical \"1.5\"", gotQty)
	}
}

func TestCalculateQuantityFromNotional(t *testing.T) {
	t.Parallel()

	inst := types.Instrument{
		Symbol:      "BTCUSDT",
		QtyStep:     decimal.RequireFromString("0.01"),
		MinOrderQty: decimal.RequireFromString("0.01"),
		TickSize:    decimal.RequireFromString("0.1"),
	}
	cache := NewInstrumentCache(func(context.Context) (map[string]types.Instrument, error) {
		return map[string]types.Instrument{"BTCUSDT": inst}, nil
	}, testLogger())

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected when price is supplied")
	}))
	c.AttachInstruments(cache)

	// 50 USDT at 2x leverage over price 100 = 1.00
	qty, err := c.CalculateQuantityFromNotional(context.Background(), "BTCUSDT",
		decimal.NewFromInt(50), 2, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("CalculateQuantityFromNotional: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("qty = %s, want 1", qty)
	}

	// Below min order qty returns zero, not an error.
	qty, err = c.CalculateQuantityFromNotional(context.Background(), "BTCUSDT",
		decimal.RequireFromString("0.10"), 1, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("CalculateQuantityFromNotional: %v", err)
	}
	if !qty.IsZero() {
		t.Errorf("qty below min = %s, want 0", qty)
	}
}

func jsonDecode(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

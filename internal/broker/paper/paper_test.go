package paper

import (
	"context"
	"math"
	"testing"
	"time"

	"tradeloop/internal/account"
	"tradeloop/internal/broker"
	"tradeloop/internal/config"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

type fixedSource struct {
	broker.Unsupported

	price float64
	now   time.Time
}

func (f *fixedSource) Name() string                            { return "fixed" }
func (f *fixedSource) Capabilities() broker.Capability         { return broker.CapLatestPrice }
func (f *fixedSource) SupportedIntervals() []interval.Interval { return interval.All }
func (f *fixedSource) CurrentTime() time.Time                  { return f.now }

func (f *fixedSource) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fixedSource) PriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	return []market.Candle{{Timestamp: iv.Truncate(end), Close: f.price, Open: f.price, High: f.price, Low: f.price, Volume: 1}}, nil
}

func (f *fixedSource) MarketHours(ctx context.Context, date time.Time) (market.Hours, error) {
	return broker.AlwaysOpenHours(date), nil
}

func newTestAdapter(price float64) (*Adapter, *fixedSource) {
	source := &fixedSource{
		price: price,
		now:   time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	}
	a := New(source, config.PaperConfig{Cash: 10000}, nil)
	return a, source
}

func TestBuyFillsWhenLimitAbovePrice(t *testing.T) {
	a, _ := newTestAdapter(100)
	ctx := context.Background()

	id, err := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL",
		Quantity: 2, LimitPrice: 105,
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	state, err := a.OrderStatus(ctx, market.AssetStock, id)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if state.Status != account.StatusFilled {
		t.Fatalf("status = %v, want FILLED", state.Status)
	}
	if state.FilledPrice != 100 || state.FilledQty != 2 {
		t.Errorf("fill = %+v, want price 100 qty 2", state)
	}

	info, err := a.AccountInfo(ctx)
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if math.Abs(info.Cash-9800) > 1e-9 {
		t.Errorf("cash = %v, want 9800", info.Cash)
	}
	if math.Abs(info.BuyingPower-9800) > 1e-9 {
		t.Errorf("buying power = %v, want 9800", info.BuyingPower)
	}
	if math.Abs(info.Equity-10000) > 1e-9 {
		t.Errorf("equity = %v, want 10000", info.Equity)
	}

	positions, err := a.Positions(ctx, market.AssetStock)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != 2 || positions[0].AvgPrice != 100 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestBuyStaysPendingWhenLimitBelowPrice(t *testing.T) {
	a, _ := newTestAdapter(100)
	ctx := context.Background()

	id, err := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL",
		Quantity: 1, LimitPrice: 95,
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	state, err := a.OrderStatus(ctx, market.AssetStock, id)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if state.Status != account.StatusPending {
		t.Errorf("status = %v, want PENDING", state.Status)
	}
}

func TestBuyAveragePriceMerge(t *testing.T) {
	a, source := newTestAdapter(100)
	ctx := context.Background()

	id1, _ := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL", Quantity: 1, LimitPrice: 105,
	})
	if _, err := a.OrderStatus(ctx, market.AssetStock, id1); err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}

	source.price = 110
	id2, _ := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL", Quantity: 1, LimitPrice: 115,
	})
	if _, err := a.OrderStatus(ctx, market.AssetStock, id2); err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}

	positions, _ := a.Positions(ctx, market.AssetStock)
	if len(positions) != 1 {
		t.Fatalf("positions = %+v", positions)
	}
	if math.Abs(positions[0].AvgPrice-105) > 1e-9 || positions[0].Quantity != 2 {
		t.Errorf("merged position = %+v, want qty 2 avg 105", positions[0])
	}
}

func TestSellReducesPositionAndAddsCash(t *testing.T) {
	a, _ := newTestAdapter(100)
	ctx := context.Background()

	idBuy, _ := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL", Quantity: 2, LimitPrice: 105,
	})
	if _, err := a.OrderStatus(ctx, market.AssetStock, idBuy); err != nil {
		t.Fatalf("buy OrderStatus: %v", err)
	}

	idSell, err := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideSell, Symbol: "AAPL", Quantity: 2, LimitPrice: 95,
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder sell: %v", err)
	}
	state, err := a.OrderStatus(ctx, market.AssetStock, idSell)
	if err != nil {
		t.Fatalf("sell OrderStatus: %v", err)
	}
	if state.Status != account.StatusFilled {
		t.Fatalf("sell status = %v, want FILLED", state.Status)
	}

	positions, _ := a.Positions(ctx, market.AssetStock)
	if len(positions) != 0 {
		t.Errorf("position should be flat, got %+v", positions)
	}
	info, _ := a.AccountInfo(ctx)
	if math.Abs(info.Cash-10000) > 1e-9 {
		t.Errorf("cash = %v, want 10000", info.Cash)
	}
}

func TestSellWithoutPositionRejected(t *testing.T) {
	a, _ := newTestAdapter(100)

	_, err := a.PlaceLimitOrder(context.Background(), broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideSell, Symbol: "AAPL", Quantity: 1, LimitPrice: 95,
	})
	if err == nil {
		t.Fatal("selling without a position must fail")
	}
}

func TestCommissionCharged(t *testing.T) {
	source := &fixedSource{price: 100, now: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)}
	a := New(source, config.PaperConfig{Cash: 10000, CommissionFee: 1, CommissionPct: 0.01}, nil)
	ctx := context.Background()

	id, _ := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL", Quantity: 1, LimitPrice: 105,
	})
	if _, err := a.OrderStatus(ctx, market.AssetStock, id); err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}

	info, _ := a.AccountInfo(ctx)
	// 100 + 1 固定 + 1% 比例 = 102
	if math.Abs(info.Cash-9898) > 1e-9 {
		t.Errorf("cash = %v, want 9898", info.Cash)
	}
}

func TestCancelRestoresBuyingPower(t *testing.T) {
	a, _ := newTestAdapter(100)
	ctx := context.Background()

	id, _ := a.PlaceLimitOrder(ctx, broker.LimitOrderRequest{
		Class: market.AssetStock, Side: account.SideBuy, Symbol: "AAPL", Quantity: 1, LimitPrice: 95,
	})

	info, _ := a.AccountInfo(ctx)
	if math.Abs(info.BuyingPower-9905) > 1e-9 {
		t.Fatalf("reserved buying power = %v, want 9905", info.BuyingPower)
	}

	if err := a.CancelOrder(ctx, market.AssetStock, id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	info, _ = a.AccountInfo(ctx)
	if math.Abs(info.BuyingPower-10000) > 1e-9 {
		t.Errorf("buying power = %v, want 10000", info.BuyingPower)
	}

	state, err := a.OrderStatus(ctx, market.AssetStock, id)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if state.Status != account.StatusCancelled {
		t.Errorf("status = %v, want CANCELLED", state.Status)
	}
}

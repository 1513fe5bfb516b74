package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradeloop/internal/account"
	"tradeloop/internal/algo"
	"tradeloop/internal/broker"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

type fakeAdapter struct {
	broker.Unsupported

	caps   broker.Capability
	now    time.Time
	placed []broker.LimitOrderRequest
	nextID int
	// place 为可选钩子，在记录委托前调用。
	place func(req broker.LimitOrderRequest) error
}

func (f *fakeAdapter) Name() string                            { return "fake" }
func (f *fakeAdapter) Capabilities() broker.Capability         { return f.caps }
func (f *fakeAdapter) SupportedIntervals() []interval.Interval { return interval.All }
func (f *fakeAdapter) CurrentTime() time.Time                  { return f.now }

func (f *fakeAdapter) PriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	return nil, nil
}

func (f *fakeAdapter) MarketHours(ctx context.Context, date time.Time) (market.Hours, error) {
	return broker.AlwaysOpenHours(date), nil
}

func (f *fakeAdapter) PlaceLimitOrder(ctx context.Context, req broker.LimitOrderRequest) (string, error) {
	if f.place != nil {
		if err := f.place(req); err != nil {
			return "", err
		}
	}
	f.placed = append(f.placed, req)
	f.nextID++
	return fmt.Sprintf("ord-%d", f.nextID), nil
}

func snapshotWithClose(symbol string, close float64) market.Snapshot {
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	return market.Snapshot{
		Timestamp: ts,
		Candles: map[string][]market.Candle{
			symbol: {{Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}},
		},
	}
}

func TestMarkUpMarkDownRoundToCents(t *testing.T) {
	if got := MarkUp(10.01); got != 10.51 {
		t.Errorf("MarkUp(10.01) = %v, want 10.51", got)
	}
	if got := MarkDown(10.01); got != 9.51 {
		t.Errorf("MarkDown(10.01) = %v, want 9.51", got)
	}
}

func TestDispatchBuyAppendsPendingOrder(t *testing.T) {
	adapter := &fakeAdapter{caps: broker.CapPlaceOrder, now: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)}
	ledger := account.NewLedger()
	ledger.Cash = 10000
	ledger.BuyingPower = 10000

	g := New(adapter, ledger, interval.Min1, nil, nil)
	orders := g.Dispatch(context.Background(),
		[]algo.Intent{{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 2}},
		snapshotWithClose("AAPL", 100),
	)

	if len(orders) != 1 {
		t.Fatalf("orders = %+v, want 1", orders)
	}
	if len(adapter.placed) != 1 {
		t.Fatalf("adapter received %d orders, want 1", len(adapter.placed))
	}
	if adapter.placed[0].LimitPrice != 105 {
		t.Errorf("limit = %v, want 105", adapter.placed[0].LimitPrice)
	}

	pending := ledger.PendingOrders()
	if len(pending) != 1 {
		t.Fatalf("ledger pending = %+v, want 1", pending)
	}
	if pending[0].Status != account.StatusPending || pending[0].ID == "" {
		t.Errorf("pending order = %+v", pending[0])
	}
	if !pending[0].SubmittedAt.Equal(adapter.now) {
		t.Errorf("SubmittedAt = %v, want adapter time %v", pending[0].SubmittedAt, adapter.now)
	}
}

func TestDispatchRejectsInvalidIntents(t *testing.T) {
	adapter := &fakeAdapter{caps: broker.CapPlaceOrder}
	ledger := account.NewLedger()
	ledger.BuyingPower = 10000

	g := New(adapter, ledger, interval.Min1, nil, nil)
	orders := g.Dispatch(context.Background(), []algo.Intent{
		{Algorithm: "t", Symbol: "", Side: account.SideBuy, Quantity: 1},
		{Algorithm: "t", Symbol: "AAPL", Side: "hold", Quantity: 1},
		{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 0},
	}, snapshotWithClose("AAPL", 100))

	if len(orders) != 0 {
		t.Errorf("invalid intents must be discarded, got %+v", orders)
	}
	if len(adapter.placed) != 0 {
		t.Errorf("adapter should not receive anything, got %d", len(adapter.placed))
	}
	if len(ledger.Orders) != 0 {
		t.Errorf("ledger must stay unchanged, got %+v", ledger.Orders)
	}
}

func TestDispatchWithoutPlaceOrderCapability(t *testing.T) {
	adapter := &fakeAdapter{caps: 0}
	ledger := account.NewLedger()
	ledger.BuyingPower = 10000

	g := New(adapter, ledger, interval.Min1, nil, nil)
	orders := g.Dispatch(context.Background(),
		[]algo.Intent{{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 1}},
		snapshotWithClose("AAPL", 100),
	)

	if len(orders) != 0 || len(ledger.Orders) != 0 {
		t.Errorf("intent must be discarded when adapter cannot place orders")
	}
}

func TestDispatchBuyBlockedByBuyingPower(t *testing.T) {
	adapter := &fakeAdapter{caps: broker.CapPlaceOrder}
	ledger := account.NewLedger()
	ledger.BuyingPower = 100

	g := New(adapter, ledger, interval.Min1, nil, nil)
	orders := g.Dispatch(context.Background(),
		[]algo.Intent{{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 2}},
		snapshotWithClose("AAPL", 100),
	)

	if len(orders) != 0 {
		t.Errorf("insufficient buying power must discard the intent, got %+v", orders)
	}
}

func TestDispatchBuyCountsPendingReservations(t *testing.T) {
	adapter := &fakeAdapter{caps: broker.CapPlaceOrder}
	ledger := account.NewLedger()
	ledger.BuyingPower = 310
	ledger.AppendOrder(account.Order{
		ID: "prev", Symbol: "MSFT", Side: account.SideBuy,
		Quantity: 2, LimitPrice: 100, Status: account.StatusPending,
	})

	g := New(adapter, ledger, interval.Min1, nil, nil)
	// 剩余购买力 310-200=110，105*1 可以通过，105*2 不行
	orders := g.Dispatch(context.Background(), []algo.Intent{
		{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 2},
		{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 1},
	}, snapshotWithClose("AAPL", 100))

	if len(orders) != 1 {
		t.Fatalf("orders = %+v, want exactly the affordable one", orders)
	}
	if orders[0].Quantity != 1 {
		t.Errorf("wrong intent passed: %+v", orders[0])
	}
}

func TestDispatchReleasesLedgerLockDuringSubmission(t *testing.T) {
	mu := &sync.Mutex{}
	lockHeld := false
	adapter := &fakeAdapter{
		caps: broker.CapPlaceOrder,
		now:  time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		place: func(req broker.LimitOrderRequest) error {
			if !mu.TryLock() {
				lockHeld = true
				return nil
			}
			mu.Unlock()
			return nil
		},
	}
	ledger := account.NewLedger()
	ledger.BuyingPower = 10000

	g := New(adapter, ledger, interval.Min1, mu, nil)
	orders := g.Dispatch(context.Background(),
		[]algo.Intent{{Algorithm: "t", Symbol: "AAPL", Side: account.SideBuy, Quantity: 2}},
		snapshotWithClose("AAPL", 100),
	)

	if len(orders) != 1 {
		t.Fatalf("orders = %+v, want 1", orders)
	}
	if lockHeld {
		t.Error("ledger lock must not be held during order submission")
	}
	if len(ledger.PendingOrders()) != 1 {
		t.Errorf("pending = %+v, want 1", ledger.PendingOrders())
	}
}

func TestDispatchSellRequiresOwnedQuantity(t *testing.T) {
	adapter := &fakeAdapter{caps: broker.CapPlaceOrder}
	ledger := account.NewLedger()
	ledger.SetPositions(market.AssetStock, []account.Position{
		{Symbol: "AAPL", Class: market.AssetStock, Quantity: 3, AvgPrice: 90},
	})
	ledger.AppendOrder(account.Order{
		ID: "prev", Symbol: "AAPL", Side: account.SideSell,
		Quantity: 2, LimitPrice: 95, Status: account.StatusPending,
	})

	g := New(adapter, ledger, interval.Min1, nil, nil)
	// 可卖数量 3-2=1
	orders := g.Dispatch(context.Background(), []algo.Intent{
		{Algorithm: "t", Symbol: "AAPL", Side: account.SideSell, Quantity: 2},
		{Algorithm: "t", Symbol: "AAPL", Side: account.SideSell, Quantity: 1},
	}, snapshotWithClose("AAPL", 100))

	if len(orders) != 1 {
		t.Fatalf("orders = %+v, want one", orders)
	}
	if orders[0].Quantity != 1 || orders[0].LimitPrice != 95 {
		t.Errorf("sell order = %+v", orders[0])
	}
}

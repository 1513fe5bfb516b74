package algo

import (
	"math"
	"testing"
	"time"

	"tradeloop/internal/account"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

func candlesFromCloses(start time.Time, iv interval.Interval, closes []float64) []market.Candle {
	rows := make([]market.Candle, len(closes))
	for i, c := range closes {
		rows[i] = market.Candle{
			Timestamp: start.Add(time.Duration(i) * iv.Duration()),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1,
		}
	}
	return rows
}

func newTestCycle(rows []market.Candle, ledger account.Ledger) *Cycle {
	candles := map[string]map[interval.Interval][]market.Candle{
		"AAPL": {interval.Min1: rows},
	}
	return NewCycle(rows[len(rows)-1].Timestamp, candles, ledger)
}

func TestCycleIntentsKeepRegistrationOrder(t *testing.T) {
	rows := candlesFromCloses(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), interval.Min1, []float64{1, 2, 3})
	c := newTestCycle(rows, *account.NewLedger())

	c.Bind("first")
	c.Buy("AAPL", 1)
	c.Bind("second")
	c.Sell("AAPL", 2)

	intents := c.Intents()
	if len(intents) != 2 {
		t.Fatalf("len = %d, want 2", len(intents))
	}
	if intents[0].Algorithm != "first" || intents[0].Side != account.SideBuy {
		t.Errorf("first intent = %+v", intents[0])
	}
	if intents[1].Algorithm != "second" || intents[1].Side != account.SideSell {
		t.Errorf("second intent = %+v", intents[1])
	}
}

func TestCycleLatestPriceSkipsZeroRows(t *testing.T) {
	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	rows := candlesFromCloses(start, interval.Min1, []float64{10, 11})
	rows = append(rows, market.ZeroCandle(start.Add(2*time.Minute)))
	c := newTestCycle(rows, *account.NewLedger())

	if got := c.LatestPrice("AAPL"); got != 11 {
		t.Errorf("LatestPrice = %v, want 11", got)
	}
	if got := c.LatestPrice("MSFT"); got != 0 {
		t.Errorf("unknown symbol should yield 0, got %v", got)
	}
}

func TestIndicatorsInsufficientData(t *testing.T) {
	closes := []float64{1, 2, 3}
	if v := SMA(closes, 5); !math.IsNaN(v) {
		t.Errorf("SMA with short series = %v, want NaN", v)
	}
	if v := RSI(closes, 14); !math.IsNaN(v) {
		t.Errorf("RSI with short series = %v, want NaN", v)
	}
	bb := BBands(closes, 20, 2)
	if !math.IsNaN(bb.Middle) {
		t.Errorf("BBands with short series = %+v, want NaN", bb)
	}
}

func TestSMAMatchesMean(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	got := SMA(closes, 5)
	if math.Abs(got-3) > 1e-9 {
		t.Errorf("SMA = %v, want 3", got)
	}
}

func TestCrossoverBuysOnGoldenCross(t *testing.T) {
	// 前段走低拉开均线差距，末根大幅拉升触发短均线上穿。
	closes := []float64{10, 10, 10, 10, 10, 9, 8, 7, 6, 5, 30}
	rows := candlesFromCloses(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), interval.Min1, closes)

	a := NewCrossover("AAPL", interval.Min1, 2, 5, 3)
	c := newTestCycle(rows, *account.NewLedger())
	c.Bind(a.Name())

	if err := a.Run(c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	intents := c.Intents()
	if len(intents) != 1 {
		t.Fatalf("intents = %+v, want one buy", intents)
	}
	if intents[0].Side != account.SideBuy || intents[0].Quantity != 3 {
		t.Errorf("intent = %+v", intents[0])
	}
}

func TestCrossoverSellsOnDeathCross(t *testing.T) {
	closes := []float64{5, 5, 5, 5, 5, 6, 7, 8, 9, 10, 1}
	rows := candlesFromCloses(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), interval.Min1, closes)

	ledger := account.NewLedger()
	ledger.SetPositions(market.AssetStock, []account.Position{
		{Symbol: "AAPL", Class: market.AssetStock, Quantity: 4, AvgPrice: 5},
	})

	a := NewCrossover("AAPL", interval.Min1, 2, 5, 3)
	c := newTestCycle(rows, ledger.Snapshot())
	c.Bind(a.Name())

	if err := a.Run(c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	intents := c.Intents()
	if len(intents) != 1 {
		t.Fatalf("intents = %+v, want one sell", intents)
	}
	if intents[0].Side != account.SideSell || intents[0].Quantity != 4 {
		t.Errorf("sell should flatten the position, got %+v", intents[0])
	}
}

func TestCrossoverIdleWithoutSignal(t *testing.T) {
	closes := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	rows := candlesFromCloses(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), interval.Min1, closes)

	a := NewCrossover("AAPL", interval.Min1, 2, 5, 3)
	c := newTestCycle(rows, *account.NewLedger())
	c.Bind(a.Name())

	if err := a.Run(c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(c.Intents()) != 0 {
		t.Errorf("flat series should not trade, got %+v", c.Intents())
	}
}

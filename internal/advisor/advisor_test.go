package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeloop/internal/account"
	"tradeloop/internal/algo"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

func TestParseDecisionsFromProse(t *testing.T) {
	content := "根据分析，结论如下：\n{\"decisions\":[{\"symbol\":\"AAPL\",\"action\":\"BUY\",\"quantity\":2,\"confidence\":0.8,\"reasoning\":\"趋势向上\"}]}\n请谨慎操作。"

	decisions, err := ParseDecisions(content)
	if err != nil {
		t.Fatalf("ParseDecisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("len = %d, want 1", len(decisions))
	}
	if decisions[0].Symbol != "AAPL" || decisions[0].Quantity != 2 {
		t.Errorf("decision = %+v", decisions[0])
	}
}

func TestParseDecisionsRejectsInvalid(t *testing.T) {
	cases := []string{
		"no json here",
		`{"decisions":[{"symbol":"","action":"BUY","quantity":1,"confidence":0.9,"reasoning":"x"}]}`,
		`{"decisions":[{"symbol":"AAPL","action":"SHORT","quantity":1,"confidence":0.9,"reasoning":"x"}]}`,
		`{"decisions":[{"symbol":"AAPL","action":"BUY","quantity":0,"confidence":0.9,"reasoning":"x"}]}`,
		`{"decisions":[{"symbol":"AAPL","action":"BUY","quantity":1,"confidence":1.5,"reasoning":"x"}]}`,
		`{"decisions":[{"symbol":"AAPL","action":"BUY","quantity":1,"confidence":0.9,"reasoning":""}]}`,
	}
	for i, content := range cases {
		if _, err := ParseDecisions(content); err == nil {
			t.Errorf("case %d should fail", i)
		}
	}
}

func TestDecisionHoldAllowsZeroQuantity(t *testing.T) {
	d := Decision{Symbol: "AAPL", Action: "hold", Quantity: 0, Confidence: 0.5, Reasoning: "观望"}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

type fakeSource struct {
	decisions []Decision
	err       error
	summary   Summary
}

func (f *fakeSource) GenerateDecisions(ctx context.Context, summary Summary) ([]Decision, error) {
	f.summary = summary
	return f.decisions, f.err
}

func newAdvisorCycle(ledger account.Ledger) *algo.Cycle {
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	rows := []market.Candle{
		{Timestamp: ts.Add(-time.Minute), Close: 99, Open: 99, High: 99, Low: 99, Volume: 1},
		{Timestamp: ts, Close: 100, Open: 100, High: 100, Low: 100, Volume: 1},
	}
	candles := map[string]map[interval.Interval][]market.Candle{
		"AAPL": {interval.Min1: rows},
	}
	c := algo.NewCycle(ts, candles, ledger)
	c.Bind("advisor")
	return c
}

func newTestAlgorithm(source decisionSource) *Algorithm {
	return &Algorithm{
		source:  source,
		subs:    []market.Subscription{{Symbol: "AAPL", Interval: interval.Min1}},
		timeout: time.Second,
	}
}

func TestRunMapsDecisionsToIntents(t *testing.T) {
	source := &fakeSource{decisions: []Decision{
		{Symbol: "AAPL", Action: "BUY", Quantity: 2, Confidence: 0.9, Reasoning: "up"},
		{Symbol: "AAPL", Action: "HOLD", Quantity: 0, Confidence: 0.9, Reasoning: "wait"},
		{Symbol: "MSFT", Action: "BUY", Quantity: 1, Confidence: 0.9, Reasoning: "not watched"},
		{Symbol: "AAPL", Action: "BUY", Quantity: 1, Confidence: 0.3, Reasoning: "weak"},
	}}
	a := newTestAlgorithm(source)

	c := newAdvisorCycle(*account.NewLedger())
	if err := a.Run(c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	intents := c.Intents()
	if len(intents) != 1 {
		t.Fatalf("intents = %+v, want one buy", intents)
	}
	if intents[0].Side != account.SideBuy || intents[0].Quantity != 2 {
		t.Errorf("intent = %+v", intents[0])
	}
	if len(source.summary.Symbols) != 1 || source.summary.Symbols[0].LastClose != 100 {
		t.Errorf("summary = %+v", source.summary.Symbols)
	}
}

func TestRunCapsSellToOwnedQuantity(t *testing.T) {
	source := &fakeSource{decisions: []Decision{
		{Symbol: "AAPL", Action: "SELL", Quantity: 10, Confidence: 0.9, Reasoning: "down"},
	}}
	a := newTestAlgorithm(source)

	ledger := account.NewLedger()
	ledger.SetPositions(market.AssetStock, []account.Position{
		{Symbol: "AAPL", Class: market.AssetStock, Quantity: 3, AvgPrice: 90},
	})

	c := newAdvisorCycle(ledger.Snapshot())
	if err := a.Run(c); err != nil {
		t.Fatalf("Run: %v", err)
	}

	intents := c.Intents()
	if len(intents) != 1 || intents[0].Quantity != 3 {
		t.Errorf("sell should be capped to owned quantity, got %+v", intents)
	}
}

func TestRunPropagatesSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("boom")}
	a := newTestAlgorithm(source)

	c := newAdvisorCycle(*account.NewLedger())
	if err := a.Run(c); err == nil {
		t.Fatal("source error must propagate so the cycle can be skipped")
	}
	if len(c.Intents()) != 0 {
		t.Errorf("no intents expected on error, got %+v", c.Intents())
	}
}

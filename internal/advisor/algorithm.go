package advisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/algo"
	"tradeloop/internal/market"
)

// 信心度低于该阈值的决策不会转化为交易意图。
const minConfidence = 0.6

type decisionSource interface {
	GenerateDecisions(ctx context.Context, summary Summary) ([]Decision, error)
}

// Algorithm 将大模型顾问包装为策略算法。
type Algorithm struct {
	source  decisionSource
	subs    []market.Subscription
	timeout time.Duration
	logger  *zap.Logger
}

// NewAlgorithm 创建顾问算法。
func NewAlgorithm(client *Client, subs []market.Subscription, timeout time.Duration, logger *zap.Logger) *Algorithm {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Algorithm{
		source:  client,
		subs:    subs,
		timeout: timeout,
		logger:  logger,
	}
}

func (a *Algorithm) Name() string {
	return "advisor"
}

func (a *Algorithm) Subscriptions() []market.Subscription {
	return a.subs
}

func (a *Algorithm) Run(c *algo.Cycle) error {
	summary := a.buildSummary(c)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	decisions, err := a.source.GenerateDecisions(ctx, summary)
	if err != nil {
		return err
	}

	watched := make(map[string]struct{}, len(a.subs))
	for _, sub := range a.subs {
		watched[sub.Symbol] = struct{}{}
	}

	for _, d := range decisions {
		if _, ok := watched[d.Symbol]; !ok {
			a.logger.Warn("决策涉及观察列表之外的标的，忽略", zap.String("symbol", d.Symbol))
			continue
		}
		if d.Confidence < minConfidence {
			a.logger.Debug("决策信心度不足，忽略",
				zap.String("symbol", d.Symbol),
				zap.Float64("confidence", d.Confidence),
			)
			continue
		}

		switch d.NormalizedAction() {
		case "BUY":
			c.Buy(d.Symbol, d.Quantity)
		case "SELL":
			owned := c.Ledger().Quantity(d.Symbol, true)
			if owned <= 0 {
				continue
			}
			qty := d.Quantity
			if qty > owned {
				qty = owned
			}
			c.Sell(d.Symbol, qty)
		}
	}

	return nil
}

func (a *Algorithm) buildSummary(c *algo.Cycle) Summary {
	ledger := c.Ledger()
	summary := Summary{
		Time:        c.Time(),
		Cash:        ledger.Cash,
		Equity:      ledger.Equity,
		BuyingPower: ledger.BuyingPower,
	}

	for _, sub := range a.subs {
		closes := c.Closes(sub.Symbol, sub.Interval)
		rows := c.Candles(sub.Symbol, sub.Interval)

		item := SymbolSummary{
			Symbol:   sub.Symbol,
			Closes:   tail(closes, 20),
			SMA20:    algo.SMA(closes, 20),
			RSI14:    algo.RSI(closes, 14),
			Position: ledger.Quantity(sub.Symbol, false),
		}
		if len(closes) > 0 {
			item.LastClose = closes[len(closes)-1]
		}
		for _, p := range ledger.Positions(market.ClassOf(sub.Symbol)) {
			if p.Symbol == sub.Symbol {
				item.AvgPrice = p.AvgPrice
			}
		}
		for _, row := range rows {
			if row.IsZero() {
				item.ZeroFilled = true
				break
			}
		}

		summary.Symbols = append(summary.Symbols, item)
	}

	return summary
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

package algo

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Crossover 是内置的均线交叉示例策略：短期均线上穿长期均线买入，
// 下穿卖出全部持仓。
type Crossover struct {
	Symbol   string
	Interval interval.Interval
	Short    int
	Long     int
	Quantity float64
}

// NewCrossover 创建均线交叉策略，参数非法时使用缺省值。
func NewCrossover(symbol string, iv interval.Interval, short, long int, quantity float64) *Crossover {
	if short <= 0 {
		short = 5
	}
	if long <= short {
		long = short * 4
	}
	if quantity <= 0 {
		quantity = 1
	}
	return &Crossover{
		Symbol:   symbol,
		Interval: iv,
		Short:    short,
		Long:     long,
		Quantity: quantity,
	}
}

func (a *Crossover) Name() string {
	return "crossover"
}

func (a *Crossover) Subscriptions() []market.Subscription {
	return []market.Subscription{{Symbol: a.Symbol, Interval: a.Interval}}
}

func (a *Crossover) Run(c *Cycle) error {
	closes := c.Closes(a.Symbol, a.Interval)
	if len(closes) <= a.Long {
		return nil
	}

	short := talib.Sma(closes, a.Short)
	long := talib.Sma(closes, a.Long)

	curShort, curLong := last(short), last(long)
	prevShort, prevLong := prev(short), prev(long)
	if math.IsNaN(curShort) || math.IsNaN(curLong) || math.IsNaN(prevShort) || math.IsNaN(prevLong) {
		return nil
	}

	owned := c.Ledger().Quantity(a.Symbol, true)

	switch {
	case prevShort <= prevLong && curShort > curLong && owned == 0:
		c.Buy(a.Symbol, a.Quantity)
	case prevShort >= prevLong && curShort < curLong && owned > 0:
		c.Sell(a.Symbol, owned)
	}

	return nil
}

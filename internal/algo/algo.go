// Package algo 定义策略算法的运行契约。
//
// 算法在每个周期边界被编排器依注册顺序调用，读取只读的行情与账本
// 视图，并通过 Buy/Sell 登记交易意图；意图由编排器统一派发，算法
// 自身永不直接触达执行端。
package algo

import (
	"fmt"
	"time"

	"tradeloop/internal/account"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Intent 为算法登记的一条交易意图。
type Intent struct {
	Algorithm string
	Symbol    string
	Side      account.Side
	Quantity  float64
}

// Algorithm 是策略算法的统一接口。
// Run 返回错误或发生 panic 时仅跳过该算法的当前周期，不会被移除。
type Algorithm interface {
	Name() string
	Subscriptions() []market.Subscription
	Run(c *Cycle) error
}

// Cycle 为算法单个周期的运行环境。所有读取返回副本或只读视图，
// 算法对其修改不会影响编排器状态。
type Cycle struct {
	now       time.Time
	candles   map[string]map[interval.Interval][]market.Candle
	ledger    account.Ledger
	algorithm string
	intents   []Intent
}

// NewCycle 构造周期运行环境。candles 以标的与周期二级索引，
// 行按时间升序排列。
func NewCycle(now time.Time, candles map[string]map[interval.Interval][]market.Candle, ledger account.Ledger) *Cycle {
	return &Cycle{
		now:     now,
		candles: candles,
		ledger:  ledger,
	}
}

// Bind 绑定当前运行的算法名，登记的意图将归属该算法。
func (c *Cycle) Bind(name string) {
	c.algorithm = name
}

// Time 返回当前周期边界时间。
func (c *Cycle) Time() time.Time {
	return c.now
}

// Candles 返回某标的某周期的K线，时间升序。
func (c *Cycle) Candles(symbol string, iv interval.Interval) []market.Candle {
	bySymbol, ok := c.candles[symbol]
	if !ok {
		return nil
	}
	return bySymbol[iv]
}

// Closes 返回某标的某周期的收盘价序列。
func (c *Cycle) Closes(symbol string, iv interval.Interval) []float64 {
	return market.Closes(c.Candles(symbol, iv))
}

// LatestPrice 返回某标的在任一周期上最新的收盘价，无数据时返回0。
func (c *Cycle) LatestPrice(symbol string) float64 {
	bySymbol, ok := c.candles[symbol]
	if !ok {
		return 0
	}
	var (
		latest time.Time
		price  float64
	)
	for _, rows := range bySymbol {
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].IsZero() {
				continue
			}
			if rows[i].Timestamp.After(latest) {
				latest = rows[i].Timestamp
				price = rows[i].Close
			}
			break
		}
	}
	return price
}

// Ledger 返回账本的只读副本。
func (c *Cycle) Ledger() account.Ledger {
	return c.ledger
}

// Buy 登记买入意图。
func (c *Cycle) Buy(symbol string, quantity float64) {
	c.intents = append(c.intents, Intent{
		Algorithm: c.algorithm,
		Symbol:    symbol,
		Side:      account.SideBuy,
		Quantity:  quantity,
	})
}

// Sell 登记卖出意图。
func (c *Cycle) Sell(symbol string, quantity float64) {
	c.intents = append(c.intents, Intent{
		Algorithm: c.algorithm,
		Symbol:    symbol,
		Side:      account.SideSell,
		Quantity:  quantity,
	})
}

// Intents 返回本周期内登记的全部意图，保持登记顺序。
func (c *Cycle) Intents() []Intent {
	return c.intents
}

// String 便于日志输出。
func (i Intent) String() string {
	return fmt.Sprintf("%s %s %s x%.4f", i.Algorithm, i.Side, i.Symbol, i.Quantity)
}

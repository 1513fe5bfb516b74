// Package broker 定义数据源与执行端适配器必须满足的能力契约。
//
// 适配器在构造时声明其支持的可选能力与采样周期，调用方在发起调用前
// 检查能力标志，而不是依赖捕获缺省异常。
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeloop/internal/account"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Capability 为可选能力的位标志集合，构造后不再变更。
type Capability uint16

const (
	CapLatestPrice Capability = 1 << iota
	CapPositions
	CapAccount
	CapOrderStatus
	CapPlaceOrder
	CapCancelOrder
	CapOptionChain
)

// Has 判断是否具备指定能力。
func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// ErrNotSupported 表示适配器未实现该操作，调用方必须显式处理。
var ErrNotSupported = errors.New("broker: operation not supported")

// CapabilityError 表示配置的适配器缺少运行所需的能力，属于启动期致命错误。
type CapabilityError struct {
	Adapter string
	Reason  string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("broker: 适配器 %s 能力不足: %s", e.Adapter, e.Reason)
}

// AccountInfo 为执行端返回的账户概要。
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
	Multiplier  float64
}

// LimitOrderRequest 描述一笔限价委托。
type LimitOrderRequest struct {
	Class       market.AssetClass
	Side        account.Side
	Symbol      string
	Quantity    float64
	LimitPrice  float64
	TimeInForce string
	Extended    bool
}

// OrderState 为适配器返回的订单状态。
type OrderState struct {
	ID          string
	Symbol      string
	Class       market.AssetClass
	Side        account.Side
	Quantity    float64
	FilledQty   float64
	LimitPrice  float64
	FilledPrice float64
	TimeInForce string
	Status      account.Status
	FilledAt    time.Time
}

// OptionQuote 为期权链中单个合约的报价。
type OptionQuote struct {
	Symbol     string
	Expiration time.Time
	Strike     float64
	Type       string
	Price      float64
	Bid        float64
	Ask        float64
}

// Adapter 是数据源与执行端共用的多态接口。
// 必需操作：PriceHistory、CurrentTime、MarketHours；其余为可选，
// 能力位未声明时的缺省行为见 Unsupported。
type Adapter interface {
	Name() string
	Capabilities() Capability
	SupportedIntervals() []interval.Interval

	CurrentTime() time.Time
	PriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error)
	MarketHours(ctx context.Context, date time.Time) (market.Hours, error)

	LatestPrice(ctx context.Context, symbol string) (float64, error)
	Positions(ctx context.Context, class market.AssetClass) ([]account.Position, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
	OrderStatus(ctx context.Context, class market.AssetClass, id string) (OrderState, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (string, error)
	CancelOrder(ctx context.Context, class market.AssetClass, id string) error
	OptionChain(ctx context.Context, symbol string) ([]OptionQuote, error)
}

// Sink 接收推送式适配器产出的单标的K线。
type Sink func(symbol string, rows []market.Candle)

// Streamer 由推送式数据源实现：按订阅持续产出K线并写入 Sink，
// 直到 ctx 取消。边界对齐由同步缓冲负责。
type Streamer interface {
	Adapter
	Stream(ctx context.Context, subs []market.Subscription, sink Sink) error
}

// HasInterval 判断适配器是否支持指定周期。
func HasInterval(a Adapter, iv interval.Interval) bool {
	return interval.Contains(a.SupportedIntervals(), iv)
}

// ResolveLatestPrice 获取最新价：优先使用适配器的原生实现，
// 未声明该能力时回退为从历史数据推导。
func ResolveLatestPrice(ctx context.Context, a Adapter, symbol string, iv interval.Interval) (float64, error) {
	if a.Capabilities().Has(CapLatestPrice) {
		return a.LatestPrice(ctx, symbol)
	}

	end := a.CurrentTime()
	start := end.Add(-2 * iv.Duration())
	rows, err := a.PriceHistory(ctx, symbol, iv, start, end)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("broker: %s 无法推导 %s 的最新价", a.Name(), symbol)
	}
	return rows[len(rows)-1].Close, nil
}

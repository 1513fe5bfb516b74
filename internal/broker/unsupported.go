package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/account"
	"tradeloop/internal/market"
)

// Unsupported 提供可选操作的缺省行为，供具体适配器内嵌：
// 只读操作返回空结果并记录 error 级日志；涉及资金或状态变更的
// 操作返回 ErrNotSupported，由调用方显式处理。
type Unsupported struct {
	AdapterName string
	Logger      *zap.Logger
}

func (u Unsupported) logger() *zap.Logger {
	if u.Logger == nil {
		return zap.NewNop()
	}
	return u.Logger
}

// LatestPrice 缺省实现：交由 ResolveLatestPrice 从历史数据推导。
func (u Unsupported) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, ErrNotSupported
}

// Positions 缺省实现：返回空列表。
func (u Unsupported) Positions(ctx context.Context, class market.AssetClass) ([]account.Position, error) {
	u.logger().Error("适配器不支持查询持仓，返回空结果",
		zap.String("adapter", u.AdapterName),
		zap.String("class", string(class)),
	)
	return nil, nil
}

// OptionChain 缺省实现：返回空列表。
func (u Unsupported) OptionChain(ctx context.Context, symbol string) ([]OptionQuote, error) {
	u.logger().Error("适配器不支持查询期权链，返回空结果",
		zap.String("adapter", u.AdapterName),
		zap.String("symbol", symbol),
	)
	return nil, nil
}

// AccountInfo 缺省实现：账户数据无安全的空缺省值。
func (u Unsupported) AccountInfo(ctx context.Context) (AccountInfo, error) {
	return AccountInfo{}, ErrNotSupported
}

// OrderStatus 缺省实现：订单状态无安全的空缺省值。
func (u Unsupported) OrderStatus(ctx context.Context, class market.AssetClass, id string) (OrderState, error) {
	return OrderState{}, ErrNotSupported
}

// PlaceLimitOrder 缺省实现。
func (u Unsupported) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (string, error) {
	return "", ErrNotSupported
}

// CancelOrder 缺省实现。
func (u Unsupported) CancelOrder(ctx context.Context, class market.AssetClass, id string) error {
	return ErrNotSupported
}

// MarketHours 的通用实现：加密货币全天开市。
// 股票类适配器应覆盖此实现以返回真实交易时段。
func AlwaysOpenHours(date time.Time) market.Hours {
	day := date.UTC().Truncate(24 * time.Hour)
	return market.Hours{
		IsOpen:   true,
		OpensAt:  day,
		ClosesAt: day.Add(24 * time.Hour),
	}
}

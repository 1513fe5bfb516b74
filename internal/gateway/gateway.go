// Package gateway 将算法登记的交易意图转化为执行端的限价委托。
//
// 买入以参考价上浮5%挂限价，卖出下浮5%，保证委托大概率立即成交的
// 同时限制最差成交价。校验失败或执行端拒绝的意图直接丢弃并记录
// 日志，绝不让单个坏意图中断整个派发流程。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/account"
	"tradeloop/internal/algo"
	"tradeloop/internal/broker"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// MarkUp 返回上浮5%并保留两位小数的限价。
func MarkUp(price float64) float64 {
	return math.Round(price*1.05*100) / 100
}

// MarkDown 返回下浮5%并保留两位小数的限价。
func MarkDown(price float64) float64 {
	return math.Round(price*0.95*100) / 100
}

// Gateway 负责意图校验与委托提交。
type Gateway struct {
	adapter  broker.Adapter
	ledger   *account.Ledger
	mu       sync.Locker
	base     interval.Interval
	logger   *zap.Logger
	maxRetry int
}

// New 创建订单网关。base 为推导参考价时使用的采样周期；
// mu 与账本共享，只在读写账本的瞬间持有，提交委托等网络调用
// 期间不持锁。
func New(adapter broker.Adapter, ledger *account.Ledger, base interval.Interval, mu sync.Locker, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mu == nil {
		mu = new(sync.Mutex)
	}
	return &Gateway{
		adapter:  adapter,
		ledger:   ledger,
		mu:       mu,
		base:     base,
		logger:   logger,
		maxRetry: 3,
	}
}

// Dispatch 依登记顺序派发意图，返回成功提交的订单。
// 单个意图失败只丢弃该意图，其余照常派发。
func (g *Gateway) Dispatch(ctx context.Context, intents []algo.Intent, snapshot market.Snapshot) []account.Order {
	submitted := make([]account.Order, 0, len(intents))
	for _, intent := range intents {
		order, err := g.dispatchOne(ctx, intent, snapshot)
		if err != nil {
			g.logger.Error("丢弃交易意图",
				zap.String("intent", intent.String()),
				zap.Error(err),
			)
			continue
		}
		submitted = append(submitted, order)
	}
	return submitted
}

func (g *Gateway) dispatchOne(ctx context.Context, intent algo.Intent, snapshot market.Snapshot) (account.Order, error) {
	if err := g.validate(intent); err != nil {
		return account.Order{}, err
	}

	if !g.adapter.Capabilities().Has(broker.CapPlaceOrder) {
		return account.Order{}, fmt.Errorf("gateway: 适配器 %s 不支持下单: %w", g.adapter.Name(), broker.ErrNotSupported)
	}

	price, err := g.referencePrice(ctx, intent.Symbol, snapshot)
	if err != nil {
		return account.Order{}, err
	}

	var limit float64
	if intent.Side == account.SideBuy {
		limit = MarkUp(price)
		required := limit * intent.Quantity
		g.mu.Lock()
		available := g.availableBuyingPower()
		g.mu.Unlock()
		if required > available {
			return account.Order{}, fmt.Errorf("gateway: 购买力不足: 需要 %.2f, 可用 %.2f", required, available)
		}
	} else {
		limit = MarkDown(price)
		g.mu.Lock()
		owned := g.ledger.Quantity(intent.Symbol, true)
		g.mu.Unlock()
		if intent.Quantity > owned {
			return account.Order{}, fmt.Errorf("gateway: 可卖数量不足: 需要 %.4f, 持有 %.4f", intent.Quantity, owned)
		}
	}

	req := broker.LimitOrderRequest{
		Class:       market.ClassOf(intent.Symbol),
		Side:        intent.Side,
		Symbol:      intent.Symbol,
		Quantity:    intent.Quantity,
		LimitPrice:  limit,
		TimeInForce: "gtc",
	}

	id, err := g.submit(ctx, req)
	if err != nil {
		return account.Order{}, err
	}

	order := account.Order{
		ID:          id,
		Algorithm:   intent.Algorithm,
		Class:       req.Class,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		TimeInForce: req.TimeInForce,
		Status:      account.StatusPending,
		SubmittedAt: g.adapter.CurrentTime(),
	}
	g.mu.Lock()
	g.ledger.AppendOrder(order)
	g.mu.Unlock()

	g.logger.Info("已提交限价委托",
		zap.String("id", id),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("quantity", order.Quantity),
		zap.Float64("limit", order.LimitPrice),
	)
	return order, nil
}

func (g *Gateway) validate(intent algo.Intent) error {
	if intent.Symbol == "" {
		return errors.New("gateway: 意图缺少标的")
	}
	if _, ok := account.ParseSide(string(intent.Side)); !ok {
		return fmt.Errorf("gateway: 非法方向 %q", intent.Side)
	}
	if intent.Quantity <= 0 {
		return fmt.Errorf("gateway: 非法数量 %.4f", intent.Quantity)
	}
	return nil
}

// referencePrice 优先使用本周期快照的收盘价，快照无数据时向适配器推导。
func (g *Gateway) referencePrice(ctx context.Context, symbol string, snapshot market.Snapshot) (float64, error) {
	if price := snapshot.LatestClose(symbol); price > 0 {
		return price, nil
	}

	price, err := broker.ResolveLatestPrice(ctx, g.adapter, symbol, g.base)
	if err != nil {
		return 0, fmt.Errorf("gateway: 无法获取 %s 的参考价: %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("gateway: %s 参考价无效: %.4f", symbol, price)
	}
	return price, nil
}

// availableBuyingPower 返回扣除挂单买入占用后的剩余购买力。
func (g *Gateway) availableBuyingPower() float64 {
	reserved := 0.0
	for _, o := range g.ledger.PendingOrders() {
		if o.Side == account.SideBuy {
			reserved += o.LimitPrice * o.Quantity
		}
	}
	return g.ledger.BuyingPower - reserved
}

func (g *Gateway) submit(ctx context.Context, req broker.LimitOrderRequest) (string, error) {
	var err error
	for attempt := 1; attempt <= g.maxRetry; attempt++ {
		var id string
		id, err = g.adapter.PlaceLimitOrder(ctx, req)
		if err == nil {
			return id, nil
		}

		if errors.Is(err, broker.ErrNotSupported) || ctx.Err() != nil {
			return "", err
		}

		wait := time.Duration(attempt) * time.Second
		g.logger.Warn("下单失败，准备重试",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}

	return "", fmt.Errorf("gateway: 重试后仍下单失败: %w", err)
}

// Package paper 提供本地模拟经纪商：委托在状态查询时按最新行情撮合，
// 买入限价不低于现价、卖出限价不高于现价即按现价成交，并按配置收取
// 手续费。行情读取全部委托给底层数据源适配器。
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/account"
	"tradeloop/internal/broker"
	"tradeloop/internal/config"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Adapter 为模拟经纪商。
type Adapter struct {
	broker.Unsupported

	source broker.Adapter
	logger *zap.Logger

	fee float64
	pct float64

	mu          sync.Mutex
	cash        float64
	buyingPower float64
	positions   map[string]*account.Position
	orders      map[string]*broker.OrderState
	nextID      int
}

// New 创建模拟经纪商，行情取数依赖 source。
func New(source broker.Adapter, cfg config.PaperConfig, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		Unsupported: broker.Unsupported{AdapterName: "paper", Logger: logger},
		source:      source,
		logger:      logger,
		fee:         cfg.CommissionFee,
		pct:         cfg.CommissionPct,
		cash:        cfg.Cash,
		buyingPower: cfg.Cash,
		positions:   make(map[string]*account.Position),
		orders:      make(map[string]*broker.OrderState),
	}
}

func (a *Adapter) Name() string {
	return "paper"
}

func (a *Adapter) Capabilities() broker.Capability {
	return broker.CapLatestPrice | broker.CapPositions | broker.CapAccount |
		broker.CapOrderStatus | broker.CapPlaceOrder | broker.CapCancelOrder
}

func (a *Adapter) SupportedIntervals() []interval.Interval {
	return a.source.SupportedIntervals()
}

func (a *Adapter) CurrentTime() time.Time {
	return a.source.CurrentTime()
}

func (a *Adapter) PriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	return a.source.PriceHistory(ctx, symbol, iv, start, end)
}

func (a *Adapter) MarketHours(ctx context.Context, date time.Time) (market.Hours, error) {
	return a.source.MarketHours(ctx, date)
}

func (a *Adapter) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return broker.ResolveLatestPrice(ctx, a.source, symbol, interval.Min1)
}

// Positions 返回指定资产类型的持仓副本。
func (a *Adapter) Positions(ctx context.Context, class market.AssetClass) ([]account.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]account.Position, 0, len(a.positions))
	for _, p := range a.positions {
		if p.Class == class {
			out = append(out, *p)
		}
	}
	return out, nil
}

// AccountInfo 返回账户概要，净值按最新行情估算，取数失败时回退持仓均价。
func (a *Adapter) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	a.mu.Lock()
	cash := a.cash
	buyingPower := a.buyingPower
	positions := make([]account.Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, *p)
	}
	a.mu.Unlock()

	equity := cash
	for _, p := range positions {
		price, err := a.LatestPrice(ctx, p.Symbol)
		if err != nil || price <= 0 {
			price = p.AvgPrice
		}
		equity += price * p.Quantity
	}

	return broker.AccountInfo{
		Equity:      equity,
		Cash:        cash,
		BuyingPower: buyingPower,
		Multiplier:  1,
	}, nil
}

// PlaceLimitOrder 登记一笔待成交委托。买入时立即占用购买力。
func (a *Adapter) PlaceLimitOrder(ctx context.Context, req broker.LimitOrderRequest) (string, error) {
	if req.Quantity <= 0 || req.LimitPrice <= 0 {
		return "", fmt.Errorf("paper: 非法委托参数: qty=%.4f limit=%.4f", req.Quantity, req.LimitPrice)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	required := req.LimitPrice * req.Quantity
	if req.Side == account.SideBuy {
		if required > a.buyingPower {
			return "", fmt.Errorf("paper: 购买力不足: 需要 %.2f, 可用 %.2f", required, a.buyingPower)
		}
		a.buyingPower -= required
	} else {
		p := a.positions[req.Symbol]
		if p == nil || p.Quantity < req.Quantity {
			return "", fmt.Errorf("paper: 可卖数量不足: %s", req.Symbol)
		}
	}

	a.nextID++
	id := fmt.Sprintf("paper-%d", a.nextID)
	a.orders[id] = &broker.OrderState{
		ID:          id,
		Symbol:      req.Symbol,
		Class:       req.Class,
		Side:        req.Side,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		TimeInForce: req.TimeInForce,
		Status:      account.StatusPending,
	}

	a.logger.Debug("登记模拟委托",
		zap.String("id", id),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
	)
	return id, nil
}

// OrderStatus 查询委托状态，待成交委托在此按最新行情尝试撮合。
func (a *Adapter) OrderStatus(ctx context.Context, class market.AssetClass, id string) (broker.OrderState, error) {
	a.mu.Lock()
	order, ok := a.orders[id]
	if !ok {
		a.mu.Unlock()
		return broker.OrderState{}, fmt.Errorf("paper: 未知委托 %q", id)
	}
	if order.Status != account.StatusPending {
		state := *order
		a.mu.Unlock()
		return state, nil
	}
	symbol := order.Symbol
	a.mu.Unlock()

	price, err := a.LatestPrice(ctx, symbol)
	if err != nil {
		return broker.OrderState{}, fmt.Errorf("paper: 撮合取价失败: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// 取价期间状态可能已变化
	if order.Status != account.StatusPending {
		return *order, nil
	}

	fillable := (order.Side == account.SideBuy && order.LimitPrice >= price) ||
		(order.Side == account.SideSell && order.LimitPrice <= price)
	if !fillable || price <= 0 {
		return *order, nil
	}

	a.fillLocked(order, price)
	return *order, nil
}

// fillLocked 按现价成交并结算资金与持仓，调用方需持锁。
func (a *Adapter) fillLocked(order *broker.OrderState, price float64) {
	amount := price * order.Quantity
	commission := a.fee + a.pct*amount

	if order.Side == account.SideBuy {
		// 归还占用的购买力，再按实际成交额扣减
		a.buyingPower += order.LimitPrice * order.Quantity
		a.buyingPower -= amount + commission
		a.cash -= amount + commission

		p := a.positions[order.Symbol]
		if p == nil {
			a.positions[order.Symbol] = &account.Position{
				Symbol:   order.Symbol,
				Class:    order.Class,
				Quantity: order.Quantity,
				AvgPrice: price,
			}
		} else {
			total := p.Quantity + order.Quantity
			p.AvgPrice = (p.AvgPrice*p.Quantity + amount) / total
			p.Quantity = total
		}
	} else {
		a.cash += amount - commission
		a.buyingPower += amount - commission

		if p := a.positions[order.Symbol]; p != nil {
			p.Quantity -= order.Quantity
			if p.Quantity <= 1e-8 {
				delete(a.positions, order.Symbol)
			}
		}
	}

	order.Status = account.StatusFilled
	order.FilledQty = order.Quantity
	order.FilledPrice = price
	order.FilledAt = a.source.CurrentTime()

	a.logger.Info("模拟委托成交",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Float64("price", price),
		zap.Float64("commission", commission),
	)
}

// CancelOrder 撤销待成交委托，买入委托归还占用的购买力。
func (a *Adapter) CancelOrder(ctx context.Context, class market.AssetClass, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[id]
	if !ok {
		return fmt.Errorf("paper: 未知委托 %q", id)
	}
	if order.Status != account.StatusPending {
		return fmt.Errorf("paper: 委托 %q 已处于终态 %s", id, order.Status)
	}

	if order.Side == account.SideBuy {
		a.buyingPower += order.LimitPrice * order.Quantity
	}
	order.Status = account.StatusCancelled
	return nil
}

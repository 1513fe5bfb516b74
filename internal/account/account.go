package account

import (
	"strings"
	"time"

	"tradeloop/internal/market"
)

// Side 表示委托方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 规整并校验方向字符串。
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Status 表示订单生命周期状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// Position 表示某一资产的持仓。
type Position struct {
	Symbol   string
	Class    market.AssetClass
	Quantity float64
	AvgPrice float64
}

// Order 为账本中的订单记录，创建后只做状态迁移，永不删除。
type Order struct {
	ID          string
	Algorithm   string
	Class       market.AssetClass
	Symbol      string
	Side        Side
	Quantity    float64
	FilledQty   float64
	LimitPrice  float64
	FilledPrice float64
	TimeInForce string
	Extended    bool
	Status      Status
	SubmittedAt time.Time
	FilledAt    time.Time
}

// Ledger 是账户状态的内存镜像，唯一写入方为编排器。
// 算法只能读取 Snapshot() 返回的副本。
type Ledger struct {
	Cash        float64
	BuyingPower float64
	Equity      float64
	Multiplier  float64

	Stocks  []Position
	Options []Position
	Cryptos []Position

	Orders []Order
}

// NewLedger 创建空账本。
func NewLedger() *Ledger {
	return &Ledger{Multiplier: 1}
}

// Snapshot 返回账本的深拷贝，供算法只读使用。
func (l *Ledger) Snapshot() Ledger {
	cp := *l
	cp.Stocks = append([]Position(nil), l.Stocks...)
	cp.Options = append([]Position(nil), l.Options...)
	cp.Cryptos = append([]Position(nil), l.Cryptos...)
	cp.Orders = append([]Order(nil), l.Orders...)
	return cp
}

// SetPositions 整体替换某资产类型的持仓列表。
func (l *Ledger) SetPositions(class market.AssetClass, positions []Position) {
	switch class {
	case market.AssetOption:
		l.Options = positions
	case market.AssetCrypto:
		l.Cryptos = positions
	default:
		l.Stocks = positions
	}
}

// Positions 返回某资产类型的持仓列表。
func (l *Ledger) Positions(class market.AssetClass) []Position {
	switch class {
	case market.AssetOption:
		return l.Options
	case market.AssetCrypto:
		return l.Cryptos
	default:
		return l.Stocks
	}
}

// AppendOrder 追加订单记录。
func (l *Ledger) AppendOrder(order Order) {
	l.Orders = append(l.Orders, order)
}

// PendingOrders 返回所有待成交订单。
func (l *Ledger) PendingOrders() []Order {
	out := make([]Order, 0, len(l.Orders))
	for _, o := range l.Orders {
		if o.Status == StatusPending {
			out = append(out, o)
		}
	}
	return out
}

// UpdateOrder 按ID更新订单记录，返回是否找到。
func (l *Ledger) UpdateOrder(order Order) bool {
	for i := range l.Orders {
		if l.Orders[i].ID == order.ID && l.Orders[i].Class == order.Class {
			l.Orders[i] = order
			return true
		}
	}
	return false
}

// ApplyFill 将成交反映到持仓与现金上。
func (l *Ledger) ApplyFill(order Order) {
	amount := order.FilledPrice * order.FilledQty

	positions := l.Positions(order.Class)
	idx := -1
	for i := range positions {
		if positions[i].Symbol == order.Symbol {
			idx = i
			break
		}
	}

	if order.Side == SideBuy {
		if idx < 0 {
			positions = append(positions, Position{
				Symbol:   order.Symbol,
				Class:    order.Class,
				Quantity: order.FilledQty,
				AvgPrice: order.FilledPrice,
			})
		} else {
			p := &positions[idx]
			total := p.Quantity + order.FilledQty
			p.AvgPrice = (p.AvgPrice*p.Quantity + amount) / total
			p.Quantity = total
		}
		l.Cash -= amount
		l.BuyingPower -= amount
	} else {
		if idx >= 0 {
			p := &positions[idx]
			p.Quantity -= order.FilledQty
			if p.Quantity <= 1e-8 {
				positions = append(positions[:idx], positions[idx+1:]...)
			}
		}
		l.Cash += amount
		l.BuyingPower += amount
	}

	l.SetPositions(order.Class, positions)
}

// Quantity 返回当前持有某标的的数量。
// excludePendingSell 为真时扣除挂出的卖单数量。
func (l *Ledger) Quantity(symbol string, excludePendingSell bool) float64 {
	var qty float64
	for _, p := range l.Positions(market.ClassOf(symbol)) {
		if p.Symbol == symbol {
			qty += p.Quantity
		}
	}
	if excludePendingSell {
		for _, o := range l.Orders {
			if o.Status == StatusPending && o.Symbol == symbol && o.Side == SideSell {
				qty -= o.Quantity
			}
		}
	}
	return qty
}

// MarkEquity 按最新快照价格重估净值：现金加上各持仓市值。
func (l *Ledger) MarkEquity(snapshot market.Snapshot) {
	equity := l.Cash
	for _, positions := range [][]Position{l.Stocks, l.Cryptos, l.Options} {
		for _, p := range positions {
			price := snapshot.LatestClose(p.Symbol)
			if price <= 0 {
				price = p.AvgPrice
			}
			equity += price * p.Quantity
		}
	}
	l.Equity = equity
}

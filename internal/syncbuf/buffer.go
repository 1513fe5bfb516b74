// Package syncbuf 将异步到达的单标的行情汇聚为每个周期边界恰好一份的
// 原子快照。消费方永远不会看到缺少标的的快照：超时未到达的标的以
// 边界时间戳上的空行补齐。
package syncbuf

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/market"
)

// State 表示缓冲在当前边界内所处的阶段。
type State int

const (
	// StateWaiting 表示仍在等待数据到达。
	StateWaiting State = iota
	// StateReady 表示全部标的在超时前到齐。
	StateReady
	// StateFlushed 表示超时触发，缺失标的已被空行补齐。
	StateFlushed
)

// DefaultTimeout 为边界开始后等待数据的缺省时长。
const DefaultTimeout = time.Second

// Buffer 为同步缓冲。所有对每边界状态的修改都在同一把互斥锁下进行，
// 持锁期间不做任何阻塞调用。
type Buffer struct {
	timeout time.Duration
	logger  *zap.Logger
	out     chan market.Snapshot

	mu        sync.Mutex
	boundary  time.Time
	needed    map[string]struct{}
	rows      map[string][]market.Candle
	timer     *time.Timer
	state     State
	delivered bool
}

// New 创建缓冲。timeout 非正时使用 DefaultTimeout。
func New(timeout time.Duration, logger *zap.Logger) *Buffer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		timeout: timeout,
		logger:  logger,
		out:     make(chan market.Snapshot, 1),
	}
}

// Snapshots 返回快照交付通道，每个边界至多产出一份。
func (b *Buffer) Snapshots() <-chan market.Snapshot {
	return b.out
}

// State 返回当前边界的状态。
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 开启新的边界：清空上一轮状态并记录本轮要求的标的集合。
func (b *Buffer) Reset(boundary time.Time, symbols []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}

	b.boundary = boundary.UTC()
	b.needed = make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		b.needed[sym] = struct{}{}
	}
	b.rows = make(map[string][]market.Candle, len(symbols))
	b.state = StateWaiting
	b.delivered = false

	b.timer = time.AfterFunc(b.timeout, b.flush)
}

// Push 插入某标的的行情。到齐全部标的时立即交付快照并唤醒消费方。
// 边界已交付后的迟到数据被丢弃。
func (b *Buffer) Push(symbol string, rows []market.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.delivered {
		b.logger.Debug("边界已交付，丢弃迟到数据",
			zap.String("symbol", symbol),
			zap.Time("boundary", b.boundary),
		)
		return
	}

	if _, ok := b.needed[symbol]; !ok {
		if _, seen := b.rows[symbol]; !seen {
			b.logger.Debug("收到观察列表之外的标的，忽略", zap.String("symbol", symbol))
			return
		}
	}

	b.rows[symbol] = rows
	delete(b.needed, symbol)

	if len(b.needed) == 0 {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.state = StateReady
		b.deliverLocked()
	}
}

// flush 在超时后触发：缺失的标的以空行补齐后交付。
func (b *Buffer) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.delivered {
		return
	}

	missing := make([]string, 0, len(b.needed))
	for sym := range b.needed {
		missing = append(missing, sym)
		b.rows[sym] = []market.Candle{market.ZeroCandle(b.boundary)}
	}
	b.needed = map[string]struct{}{}
	b.state = StateFlushed

	if len(missing) > 0 {
		b.logger.Warn("等待行情超时，以空行补齐缺失标的",
			zap.Time("boundary", b.boundary),
			zap.Strings("missing", missing),
		)
	}

	b.deliverLocked()
}

func (b *Buffer) deliverLocked() {
	snapshot := market.Snapshot{
		Timestamp: b.boundary,
		Candles:   make(map[string][]market.Candle, len(b.rows)),
	}
	for sym, rows := range b.rows {
		snapshot.Candles[sym] = rows
	}

	b.delivered = true

	select {
	case b.out <- snapshot:
	default:
		// 通道容量为1且每边界只交付一次，走到这里说明消费方
		// 尚未取走上一份快照，丢弃本轮以保持循环不被阻塞。
		b.logger.Error("消费方未及时取走快照，丢弃本轮数据",
			zap.Time("boundary", b.boundary),
		)
	}
}

// Package dummy 提供确定性的合成行情源，用于开发与测试。
// 同一标的在同一时间点永远产出相同的K线，互不相同的标的走势各异。
package dummy

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/broker"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Adapter 为合成行情适配器，支持轮询与推送两种取数方式。
type Adapter struct {
	broker.Unsupported

	logger *zap.Logger
	// Now 可注入的时钟，缺省为按分钟截断的UTC当前时间。
	Now func() time.Time
}

// New 创建合成行情适配器。
func New(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		Unsupported: broker.Unsupported{AdapterName: "dummy", Logger: logger},
		logger:      logger,
	}
}

func (a *Adapter) Name() string {
	return "dummy"
}

func (a *Adapter) Capabilities() broker.Capability {
	return broker.CapLatestPrice
}

func (a *Adapter) SupportedIntervals() []interval.Interval {
	return interval.All
}

func (a *Adapter) CurrentTime() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC().Truncate(time.Minute)
}

// PriceHistory 生成 [start, end] 区间内各边界上的合成K线。
func (a *Adapter) PriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	if !iv.Valid() {
		return nil, broker.ErrNotSupported
	}

	var rows []market.Candle
	for ts := iv.Truncate(start); !ts.After(end.UTC()); ts = iv.Next(ts) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		rows = append(rows, a.candleAt(symbol, iv, ts))
	}
	return rows, nil
}

func (a *Adapter) MarketHours(ctx context.Context, date time.Time) (market.Hours, error) {
	return broker.AlwaysOpenHours(date), nil
}

// LatestPrice 返回当前时间所在分钟边界上的合成收盘价。
func (a *Adapter) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	ts := interval.Min1.Truncate(a.CurrentTime())
	return a.candleAt(symbol, interval.Min1, ts).Close, nil
}

// Stream 对齐到最小订阅周期的边界推送K线，直到 ctx 取消。
// 每次推送发生在边界时刻本身，消费方的同步等待窗口从边界起算。
func (a *Adapter) Stream(ctx context.Context, subs []market.Subscription, sink broker.Sink) error {
	base := streamBase(subs)

	for {
		boundary, wait := nextBoundary(time.Now().UTC(), base)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		a.emitBoundary(boundary, subs, sink)
	}
}

// streamBase 返回订阅集合中的最小周期，作为推送节奏。
func streamBase(subs []market.Subscription) interval.Interval {
	ivs := make([]interval.Interval, 0, len(subs))
	for _, sub := range subs {
		ivs = append(ivs, sub.Interval)
	}
	base := interval.Min(ivs)
	if !base.Valid() {
		base = interval.Min1
	}
	return base
}

// nextBoundary 返回 now 之后最近的周期边界及到达该边界的等待时长。
func nextBoundary(now time.Time, base interval.Interval) (time.Time, time.Duration) {
	boundary := base.Next(base.Truncate(now))
	return boundary, boundary.Sub(now)
}

// emitBoundary 推送在该边界收口的各订阅K线。
func (a *Adapter) emitBoundary(boundary time.Time, subs []market.Subscription, sink broker.Sink) {
	for _, sub := range subs {
		if !sub.Interval.IsBoundary(boundary) {
			continue
		}
		sink(sub.Symbol, []market.Candle{a.candleAt(sub.Symbol, sub.Interval, boundary)})
	}
}

// candleAt 以标的与时间戳为种子生成确定性的K线。
func (a *Adapter) candleAt(symbol string, iv interval.Interval, ts time.Time) market.Candle {
	base := 20 + float64(hash(symbol)%200)

	open := priceAt(symbol, base, ts)
	close := priceAt(symbol, base, iv.Next(ts))
	high := math.Max(open, close) * 1.005
	low := math.Min(open, close) * 0.995
	volume := 100 + float64(hash(symbol+ts.Format(time.RFC3339))%900)

	return market.Candle{
		Timestamp: ts,
		Open:      round2(open),
		High:      round2(high),
		Low:       round2(low),
		Close:     round2(close),
		Volume:    volume,
	}
}

// priceAt 用正弦叠加哈希噪声模拟围绕基准价的波动。
func priceAt(symbol string, base float64, ts time.Time) float64 {
	t := float64(ts.Unix())
	wave := math.Sin(t/3600) * base * 0.02
	noise := (float64(hash(symbol+ts.Format(time.RFC3339))%1000)/1000 - 0.5) * base * 0.01
	return base + wave + noise
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

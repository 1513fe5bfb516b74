package trader

import (
	"fmt"
	"sort"

	"tradeloop/internal/algo"
	"tradeloop/internal/broker"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Watchlist 为配置与各算法订阅合并后的观察列表。
// 合并结果去重，标的与周期均按固定顺序排列，保证每轮遍历顺序一致。
type Watchlist struct {
	subs []market.Subscription
}

// BuildWatchlist 合并基础订阅与算法订阅。
func BuildWatchlist(base []market.Subscription, algos []algo.Algorithm) *Watchlist {
	seen := make(map[market.Subscription]struct{})
	var subs []market.Subscription

	add := func(sub market.Subscription) {
		if sub.Symbol == "" || !sub.Interval.Valid() {
			return
		}
		if _, ok := seen[sub]; ok {
			return
		}
		seen[sub] = struct{}{}
		subs = append(subs, sub)
	}

	for _, sub := range base {
		add(sub)
	}
	for _, a := range algos {
		for _, sub := range a.Subscriptions() {
			add(sub)
		}
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Symbol != subs[j].Symbol {
			return subs[i].Symbol < subs[j].Symbol
		}
		return subs[i].Interval < subs[j].Interval
	})

	return &Watchlist{subs: subs}
}

// Subscriptions 返回全部订阅。
func (w *Watchlist) Subscriptions() []market.Subscription {
	return w.subs
}

// Symbols 返回去重后的标的列表，按字典序。
func (w *Watchlist) Symbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sub := range w.subs {
		if _, ok := seen[sub.Symbol]; ok {
			continue
		}
		seen[sub.Symbol] = struct{}{}
		out = append(out, sub.Symbol)
	}
	return out
}

// Intervals 返回某标的请求的全部周期，升序。
func (w *Watchlist) Intervals(symbol string) []interval.Interval {
	var out []interval.Interval
	for _, sub := range w.subs {
		if sub.Symbol == symbol {
			out = append(out, sub.Interval)
		}
	}
	return out
}

// BaseInterval 返回全部订阅中的最小周期，即行情取数的采样周期。
func (w *Watchlist) BaseInterval() interval.Interval {
	ivs := make([]interval.Interval, 0, len(w.subs))
	for _, sub := range w.subs {
		ivs = append(ivs, sub.Interval)
	}
	return interval.Min(ivs)
}

// Validate 校验数据源适配器能否覆盖观察列表要求的全部周期。
// 聚合周期只需基础周期可用即可合成，因此只校验最小周期。
func (w *Watchlist) Validate(adapter broker.Adapter) error {
	if len(w.subs) == 0 {
		return &broker.CapabilityError{
			Adapter: adapter.Name(),
			Reason:  "观察列表为空",
		}
	}

	base := w.BaseInterval()
	if !broker.HasInterval(adapter, base) {
		return &broker.CapabilityError{
			Adapter: adapter.Name(),
			Reason:  fmt.Sprintf("不支持基础采样周期 %s", base),
		}
	}
	return nil
}

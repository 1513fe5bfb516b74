package market

import (
	"sort"
	"strings"
	"time"

	"tradeloop/internal/interval"
)

// Candle 代表单根K线，时间戳统一为UTC周期边界。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// IsZero 判断K线是否为超时补齐的空行。
func (c Candle) IsZero() bool {
	return c.Open == 0 && c.High == 0 && c.Low == 0 && c.Close == 0 && c.Volume == 0
}

// ZeroCandle 返回指定边界时间上的空行，用于补齐缺失数据。
func ZeroCandle(boundary time.Time) Candle {
	return Candle{Timestamp: boundary.UTC()}
}

// Snapshot 为一次循环交付给编排器的原子快照：
// 活跃观察列表中的每个标的恰好出现一次。
type Snapshot struct {
	Timestamp time.Time
	Candles   map[string][]Candle
}

// Symbols 返回快照覆盖的标的集合。
func (s Snapshot) Symbols() []string {
	syms := make([]string, 0, len(s.Candles))
	for sym := range s.Candles {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// LatestClose 返回标的最新收盘价，缺失时返回 0。
func (s Snapshot) LatestClose(symbol string) float64 {
	rows := s.Candles[symbol]
	if len(rows) == 0 {
		return 0
	}
	return rows[len(rows)-1].Close
}

// Subscription 表示算法请求的 (标的, 周期) 订阅。
type Subscription struct {
	Symbol   string
	Interval interval.Interval
}

// Hours 描述某交易日的开闭市信息。
type Hours struct {
	IsOpen   bool
	OpensAt  time.Time
	ClosesAt time.Time
}

// AssetClass 区分标的资产类型。
type AssetClass string

const (
	AssetStock  AssetClass = "STOCK"
	AssetOption AssetClass = "OPTION"
	AssetCrypto AssetClass = "CRYPTO"
)

// ClassOf 根据符号形态推断资产类型：加密货币带 "@" 前缀，
// OCC 长度的符号视为期权，其余为股票。
func ClassOf(symbol string) AssetClass {
	switch {
	case len(symbol) > 6:
		return AssetOption
	case strings.HasPrefix(symbol, "@"):
		return AssetCrypto
	default:
		return AssetStock
	}
}

// IsCrypto 判断符号是否为加密货币，判定规则与 ClassOf 一致。
func IsCrypto(symbol string) bool {
	return ClassOf(symbol) == AssetCrypto
}

// Normalize 将外部来源的K线规整为升序、UTC、每个边界至多一行。
// 同一边界出现多行时保留最后一行。
func Normalize(rows []Candle, iv interval.Interval) []Candle {
	if len(rows) == 0 {
		return nil
	}

	byBoundary := make(map[time.Time]Candle, len(rows))
	for _, row := range rows {
		row.Timestamp = iv.Truncate(row.Timestamp)
		byBoundary[row.Timestamp] = row
	}

	out := make([]Candle, 0, len(byBoundary))
	for _, row := range byBoundary {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Aggregate 将细粒度K线聚合为粗粒度序列：
// open取首、high取最大、low取最小、close取尾、volume求和。
func Aggregate(rows []Candle, target interval.Interval) []Candle {
	if len(rows) == 0 {
		return nil
	}

	var out []Candle
	for _, row := range rows {
		boundary := target.Truncate(row.Timestamp)
		if len(out) == 0 || !out[len(out)-1].Timestamp.Equal(boundary) {
			out = append(out, Candle{
				Timestamp: boundary,
				Open:      row.Open,
				High:      row.High,
				Low:       row.Low,
				Close:     row.Close,
				Volume:    row.Volume,
			})
			continue
		}

		last := &out[len(out)-1]
		if row.High > last.High {
			last.High = row.High
		}
		if row.Low < last.Low {
			last.Low = row.Low
		}
		last.Close = row.Close
		last.Volume += row.Volume
	}
	return out
}

// Closes 提取收盘价序列，便于指标计算。
func Closes(rows []Candle) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row.Close
	}
	return out
}

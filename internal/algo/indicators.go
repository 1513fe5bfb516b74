package algo

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// Bollinger 保存布林带的最新值。
type Bollinger struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// SMA 返回收盘价序列的简单移动平均最新值，数据不足时返回 NaN。
func SMA(closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return math.NaN()
	}
	return last(talib.Sma(closes, period))
}

// EMA 返回指数移动平均最新值，数据不足时返回 NaN。
func EMA(closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return math.NaN()
	}
	return last(talib.Ema(closes, period))
}

// RSI 返回相对强弱指标最新值，数据不足时返回 NaN。
func RSI(closes []float64, period int) float64 {
	if len(closes) <= period || period <= 0 {
		return math.NaN()
	}
	return last(talib.Rsi(closes, period))
}

// BBands 返回布林带最新值，数据不足时各值为 NaN。
func BBands(closes []float64, period int, dev float64) Bollinger {
	if len(closes) < period || period <= 0 {
		return Bollinger{Upper: math.NaN(), Middle: math.NaN(), Lower: math.NaN()}
	}
	upper, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
	return Bollinger{Upper: last(upper), Middle: last(middle), Lower: last(lower)}
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

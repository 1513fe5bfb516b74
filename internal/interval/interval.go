package interval

import (
	"fmt"
	"time"
)

// Interval 表示K线采样粒度，数值越小粒度越细。
type Interval int

const (
	Sec15 Interval = iota + 1
	Min1
	Min5
	Min15
	Min30
	Hour1
	Day1
)

// All 按粒度从细到粗列出全部支持的周期。
var All = []Interval{Sec15, Min1, Min5, Min15, Min30, Hour1, Day1}

var names = map[Interval]string{
	Sec15: "15SEC",
	Min1:  "1MIN",
	Min5:  "5MIN",
	Min15: "15MIN",
	Min30: "30MIN",
	Hour1: "1HR",
	Day1:  "1DAY",
}

var durations = map[Interval]time.Duration{
	Sec15: 15 * time.Second,
	Min1:  time.Minute,
	Min5:  5 * time.Minute,
	Min15: 15 * time.Minute,
	Min30: 30 * time.Minute,
	Hour1: time.Hour,
	Day1:  24 * time.Hour,
}

// Parse 将字符串周期转换为 Interval。
func Parse(s string) (Interval, error) {
	for iv, name := range names {
		if name == s {
			return iv, nil
		}
	}
	return 0, fmt.Errorf("interval: 无法识别的周期 %q", s)
}

// Valid 判断周期是否为已定义的枚举值。
func (i Interval) Valid() bool {
	_, ok := names[i]
	return ok
}

func (i Interval) String() string {
	if name, ok := names[i]; ok {
		return name
	}
	return fmt.Sprintf("Interval(%d)", int(i))
}

// Duration 返回周期对应的时间长度。
func (i Interval) Duration() time.Duration {
	return durations[i]
}

// Truncate 将时间对齐到所属周期边界的起点，统一使用UTC。
func (i Interval) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(i.Duration())
}

// Next 返回 t 之后最近的一个周期边界。
func (i Interval) Next(t time.Time) time.Time {
	return i.Truncate(t).Add(i.Duration())
}

// IsBoundary 判断时间（忽略亚秒部分）是否落在周期边界上。
func (i Interval) IsBoundary(t time.Time) bool {
	return i.Truncate(t).Equal(t.UTC().Truncate(time.Second))
}

// Min 返回集合中粒度最细的周期，空集合返回 0。
func Min(set []Interval) Interval {
	var min Interval
	for _, iv := range set {
		if min == 0 || iv < min {
			min = iv
		}
	}
	return min
}

// Contains 判断集合中是否包含指定周期。
func Contains(set []Interval, target Interval) bool {
	for _, iv := range set {
		if iv == target {
			return true
		}
	}
	return false
}

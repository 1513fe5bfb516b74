package storage

import (
	"encoding/json"
	"time"

	"tradeloop/internal/account"
)

// Transaction 为一笔成交的持久化记录。
type Transaction struct {
	Timestamp time.Time
	Algorithm string
	Symbol    string
	Side      account.Side
	Quantity  float64
	Price     float64
}

// EquityPoint 为净值曲线上的一个采样点。
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// EventType 标识事件类别。
type EventType string

const (
	// EventOrderSubmitted 表示订单已提交至执行端。
	EventOrderSubmitted EventType = "order_submitted"
	// EventOrderFilled 表示订单成交。
	EventOrderFilled EventType = "order_filled"
	// EventCycleError 表示周期内发生的异常。
	EventCycleError EventType = "cycle_error"
)

// Event 为持久化的运行事件。
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// RawPayload 在读取时保留原始JSON。
type RawPayload = json.RawMessage

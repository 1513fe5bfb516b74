// Package storage 负责行情、成交与净值数据的持久化。
// 行情按(标的, 周期, 时间戳)去重写入，读取始终按时间升序返回。
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeloop/internal/account"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

// Service 提供基于 SQLite 的持久化操作。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化存储服务，创建所需表结构。
func NewService(store *Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("storage: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS candles (
	symbol TEXT NOT NULL,
	interval TEXT NOT NULL,
	ts TEXT NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL,
	PRIMARY KEY (symbol, interval, ts)
);
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_symbol ON transactions(symbol);
CREATE TABLE IF NOT EXISTS equity_curve (
	ts TEXT PRIMARY KEY,
	equity REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("storage: 初始化表失败: %w", err)
	}
	return nil
}

// SaveCandles 写入某标的某周期的K线，同一时间戳重复写入时覆盖旧值。
func (s *Service) SaveCandles(ctx context.Context, symbol string, iv interval.Interval, rows []market.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: 开启事务失败: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO candles (symbol, interval, ts, open, high, low, close, volume)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(symbol, interval, ts) DO UPDATE SET
	open = excluded.open,
	high = excluded.high,
	low = excluded.low,
	close = excluded.close,
	volume = excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("storage: 准备写入语句失败: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			symbol, iv.String(), row.Timestamp.UTC().Format(time.RFC3339),
			row.Open, row.High, row.Low, row.Close, row.Volume,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: 写入K线失败: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: 提交K线事务失败: %w", err)
	}
	return nil
}

// LoadCandles 按时间升序读取最近 limit 根K线，limit 非正时读取全部。
func (s *Service) LoadCandles(ctx context.Context, symbol string, iv interval.Interval, limit int) ([]market.Candle, error) {
	query := `
SELECT ts, open, high, low, close, volume FROM (
	SELECT ts, open, high, low, close, volume
	FROM candles
	WHERE symbol = ? AND interval = ?
	ORDER BY ts DESC
	LIMIT ?
) ORDER BY ts ASC`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, symbol, iv.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: 查询K线失败: %w", err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var (
			ts     string
			candle market.Candle
		)
		if err := rows.Scan(&ts, &candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume); err != nil {
			return nil, fmt.Errorf("storage: 解析K线失败: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: 解析K线时间戳失败: %w", err)
		}
		candle.Timestamp = parsed.UTC()
		out = append(out, candle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: 读取K线失败: %w", err)
	}
	return out, nil
}

// RecordTransaction 写入一笔成交记录。
func (s *Service) RecordTransaction(ctx context.Context, txn Transaction) error {
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (ts, algorithm, symbol, side, quantity, price) VALUES (?, ?, ?, ?, ?, ?)`,
		txn.Timestamp.UTC().Format(time.RFC3339), txn.Algorithm, txn.Symbol, string(txn.Side), txn.Quantity, txn.Price,
	)
	if err != nil {
		return fmt.Errorf("storage: 写入成交记录失败: %w", err)
	}
	return nil
}

// Transactions 按时间升序检索成交记录，symbol 为空时不过滤标的。
func (s *Service) Transactions(ctx context.Context, symbol string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ts, algorithm, symbol, side, quantity, price FROM transactions`
	args := make([]interface{}, 0, 2)
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: 查询成交记录失败: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			ts   string
			side string
			txn  Transaction
		)
		if err := rows.Scan(&ts, &txn.Algorithm, &txn.Symbol, &side, &txn.Quantity, &txn.Price); err != nil {
			return nil, fmt.Errorf("storage: 解析成交记录失败: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: 解析成交时间戳失败: %w", err)
		}
		txn.Timestamp = parsed.UTC()
		txn.Side = account.Side(side)
		out = append(out, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: 读取成交记录失败: %w", err)
	}
	return out, nil
}

// RecordEquity 写入净值采样点，同一时间戳覆盖旧值。
func (s *Service) RecordEquity(ctx context.Context, ts time.Time, equity float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO equity_curve (ts, equity) VALUES (?, ?)
ON CONFLICT(ts) DO UPDATE SET equity = excluded.equity`,
		ts.UTC().Format(time.RFC3339), equity,
	)
	if err != nil {
		return fmt.Errorf("storage: 写入净值失败: %w", err)
	}
	return nil
}

// EquityCurve 按时间升序读取净值曲线。
func (s *Service) EquityCurve(ctx context.Context, limit int) ([]EquityPoint, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT ts, equity FROM (
	SELECT ts, equity FROM equity_curve ORDER BY ts DESC LIMIT ?
) ORDER BY ts ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: 查询净值曲线失败: %w", err)
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var (
			ts    string
			point EquityPoint
		)
		if err := rows.Scan(&ts, &point.Equity); err != nil {
			return nil, fmt.Errorf("storage: 解析净值失败: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: 解析净值时间戳失败: %w", err)
		}
		point.Timestamp = parsed.UTC()
		out = append(out, point)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: 读取净值曲线失败: %w", err)
	}
	return out, nil
}

// RecordEvent 写入运行事件，失败只记日志，不影响主循环。
func (s *Service) RecordEvent(ctx context.Context, event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Warn("序列化事件失败", zap.Error(err))
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	); err != nil {
		s.logger.Warn("写入事件失败", zap.Error(err))
	}
}

// ListEvents 按类型检索最近事件，时间倒序。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("storage: 解析事件失败: %w", err)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: 读取事件失败: %w", err)
	}
	return events, nil
}

// Package exchange 提供基于 ccxt 的实盘适配器。
// 行情与订单操作带指数退避重试；余额与持仓查询未接入，
// 对应能力位不声明，由调用方按能力降级处理。
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"tradeloop/internal/account"
	"tradeloop/internal/broker"
	"tradeloop/internal/config"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
)

var timeframes = map[interval.Interval]string{
	interval.Min1:  "1m",
	interval.Min5:  "5m",
	interval.Min15: "15m",
	interval.Min30: "30m",
	interval.Hour1: "1h",
	interval.Day1:  "1d",
}

// Adapter 封装 ccxt 客户端并实现适配器契约。
type Adapter struct {
	broker.Unsupported

	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binance
	quote    string

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// New 构造实盘适配器。quote 为空时加密标的默认对 USDT 计价。
func New(cfg config.ExchangeConfig, quote string, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quote == "" {
		quote = "USDT"
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Adapter{
		Unsupported: broker.Unsupported{AdapterName: "ccxt", Logger: logger},
		cfg:         cfg,
		logger:      logger,
		exchange:    ex,
		quote:       quote,
	}, nil
}

func (a *Adapter) Name() string {
	return "ccxt:" + a.cfg.Name
}

func (a *Adapter) Capabilities() broker.Capability {
	return broker.CapOrderStatus | broker.CapPlaceOrder | broker.CapCancelOrder
}

func (a *Adapter) SupportedIntervals() []interval.Interval {
	out := make([]interval.Interval, 0, len(timeframes))
	for _, iv := range interval.All {
		if _, ok := timeframes[iv]; ok {
			out = append(out, iv)
		}
	}
	return out
}

func (a *Adapter) CurrentTime() time.Time {
	return time.Now().UTC().Truncate(time.Minute)
}

// PriceHistory 拉取 [start, end] 区间的K线。
func (a *Adapter) PriceHistory(ctx context.Context, symbol string, iv interval.Interval, start, end time.Time) ([]market.Candle, error) {
	if !market.IsCrypto(symbol) {
		return nil, fmt.Errorf("exchange: 仅支持加密标的 %q: %w", symbol, broker.ErrNotSupported)
	}

	timeframe, ok := timeframes[iv]
	if !ok {
		return nil, fmt.Errorf("exchange: 不支持的周期 %s: %w", iv, broker.ErrNotSupported)
	}

	limit := int64(end.Sub(start)/iv.Duration()) + 1
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := a.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := a.exchange.FetchOHLCV(
			a.pairOf(symbol),
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVSince(start.UTC().UnixMilli()),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		if ts.After(end.UTC()) {
			continue
		}
		candles = append(candles, market.Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return market.Normalize(candles, iv), nil
}

// MarketHours 加密市场全天开市。
func (a *Adapter) MarketHours(ctx context.Context, date time.Time) (market.Hours, error) {
	return broker.AlwaysOpenHours(date), nil
}

// PlaceLimitOrder 提交限价委托并返回交易所订单号。
func (a *Adapter) PlaceLimitOrder(ctx context.Context, req broker.LimitOrderRequest) (string, error) {
	if req.Class != market.AssetCrypto {
		return "", fmt.Errorf("exchange: 仅支持加密标的下单: %w", broker.ErrNotSupported)
	}

	var id string
	err := a.callWithRetry(ctx, "create_limit_order", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		order, err := a.exchange.CreateLimitOrder(
			a.pairOf(req.Symbol),
			string(req.Side),
			req.Quantity,
			req.LimitPrice,
		)
		if err != nil {
			return err
		}

		id = strValue(order.Id)
		return nil
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("exchange: 交易所未返回订单号")
	}

	return id, nil
}

// OrderStatus 查询委托状态。
func (a *Adapter) OrderStatus(ctx context.Context, class market.AssetClass, id string) (broker.OrderState, error) {
	var raw ccxt.Order
	err := a.callWithRetry(ctx, "fetch_order", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		order, err := a.exchange.FetchOrder(id)
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		return broker.OrderState{}, err
	}

	return convertOrder(raw), nil
}

// CancelOrder 撤销委托。
func (a *Adapter) CancelOrder(ctx context.Context, class market.AssetClass, id string) error {
	return a.callWithRetry(ctx, "cancel_order", func() error {
		if err := a.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		_, err := a.exchange.CancelOrder(id)
		return err
	})
}

// pairOf 将内部标的符号映射为交易所交易对，如 @BTC -> BTC/USDT。
func (a *Adapter) pairOf(symbol string) string {
	base := strings.TrimPrefix(symbol, "@")
	if strings.Contains(base, "/") {
		return base
	}
	return base + "/" + a.quote
}

func (a *Adapter) ensureMarketsLoaded(ctx context.Context) error {
	if a.marketsLoaded {
		return nil
	}

	a.marketsMu.Lock()
	defer a.marketsMu.Unlock()

	if a.marketsLoaded {
		return nil
	}

	loadErr := a.callWithRetry(ctx, "load_markets", func() error {
		_, err := a.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	a.marketsLoaded = true
	a.logger.Info("已完成市场元数据加载", zap.String("exchange", a.cfg.Name))
	return nil
}

func (a *Adapter) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := a.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := a.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := a.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				a.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			a.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			a.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		a.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	}

	if IsRetryable(err) {
		return err, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertOrder(raw ccxt.Order) broker.OrderState {
	state := broker.OrderState{
		ID:          strValue(raw.Id),
		Symbol:      strValue(raw.Symbol),
		Class:       market.AssetCrypto,
		Side:        account.Side(strValue(raw.Side)),
		Quantity:    floatValue(raw.Amount),
		FilledQty:   floatValue(raw.Filled),
		LimitPrice:  floatValue(raw.Price),
		FilledPrice: floatValue(raw.Average),
		Status:      convertStatus(strValue(raw.Status)),
	}
	if raw.Timestamp != nil {
		state.FilledAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}
	return state
}

func convertStatus(status string) account.Status {
	switch strings.ToLower(status) {
	case "closed":
		return account.StatusFilled
	case "canceled", "cancelled":
		return account.StatusCancelled
	case "rejected", "expired":
		return account.StatusRejected
	default:
		return account.StatusPending
	}
}

func strValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func floatValue(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

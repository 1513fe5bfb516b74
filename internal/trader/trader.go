// Package trader 实现核心编排循环：按周期边界聚齐行情、先持久化再
// 依注册顺序运行算法，最后统一派发交易意图。账本的唯一写入方是
// 编排循环自身，算法只能拿到副本。
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeloop/internal/account"
	"tradeloop/internal/algo"
	"tradeloop/internal/broker"
	"tradeloop/internal/gateway"
	"tradeloop/internal/interval"
	"tradeloop/internal/market"
	"tradeloop/internal/storage"
	"tradeloop/internal/syncbuf"
)

// State 表示编排器的运行状态。
type State int

const (
	StateStopped State = iota
	StateRunning
)

// Phase 表示运行中单个周期内所处的阶段。
type Phase int

const (
	PhaseAwaitSnapshot Phase = iota
	PhaseUpdateLedgerAndStorage
	PhaseRunAlgorithms
	PhaseDispatchOrders
)

// Options 控制编排行为。
type Options struct {
	// PreloadBars 为启动时预载入存储的历史K线数量。
	PreloadBars int
	// HistoryBars 为每周期提供给算法的最大历史K线数量。
	HistoryBars int
	// SyncTimeout 为同步缓冲的等待超时。
	SyncTimeout time.Duration
}

const (
	defaultHistoryBars = 300
	fetchAttempts      = 3
	fetchRetryDelay    = 200 * time.Millisecond
)

// Trader 为编排器。
type Trader struct {
	streamer broker.Adapter
	broker   broker.Adapter
	store    *storage.Service
	logger   *zap.Logger
	opts     Options

	mu     sync.Mutex
	ledger *account.Ledger
	algos  []algo.Algorithm
	base   []market.Subscription
	watch  *Watchlist
	iv     interval.Interval
	buffer *syncbuf.Buffer
	gw     *gateway.Gateway
	state  State
	phase  Phase
	cancel context.CancelFunc
}

// New 创建编排器。streamer 为数据源，brokerAdapter 为执行端，
// 两者可以是同一个适配器。
func New(streamer, brokerAdapter broker.Adapter, store *storage.Service, base []market.Subscription, opts Options, logger *zap.Logger) *Trader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryBars <= 0 {
		opts.HistoryBars = defaultHistoryBars
	}
	return &Trader{
		streamer: streamer,
		broker:   brokerAdapter,
		store:    store,
		logger:   logger,
		opts:     opts,
		ledger:   account.NewLedger(),
		base:     base,
	}
}

// RegisterAlgorithm 注册算法，注册顺序即每周期的运行顺序。
// 仅允许在停止状态下注册。
func (t *Trader) RegisterAlgorithm(a algo.Algorithm) error {
	if a == nil {
		return errors.New("trader: 算法不能为空")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateStopped {
		return errors.New("trader: 运行期间不允许注册算法")
	}
	for _, existing := range t.algos {
		if existing.Name() == a.Name() {
			return fmt.Errorf("trader: 算法 %q 已注册", a.Name())
		}
	}
	t.algos = append(t.algos, a)
	return nil
}

// State 返回当前运行状态。
func (t *Trader) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentPhase 返回运行中周期所处的阶段。
func (t *Trader) CurrentPhase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// CurrentAccount 返回账本的只读副本。
func (t *Trader) CurrentAccount() account.Ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.Snapshot()
}

// Watchlist 返回合并后的观察列表，未启动时为空。
func (t *Trader) Watchlist() *Watchlist {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watch
}

// Start 完成启动期准备后进入阻塞式主循环，直到 ctx 取消或 Stop 被调用。
func (t *Trader) Start(ctx context.Context) error {
	if err := t.setup(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.state = StateRunning
	t.phase = PhaseAwaitSnapshot
	t.cancel = cancel
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		t.state = StateStopped
		t.cancel = nil
		t.mu.Unlock()
	}()

	t.logger.Info("编排循环启动",
		zap.String("base_interval", t.iv.String()),
		zap.Strings("symbols", t.watch.Symbols()),
	)

	return t.runLoop(ctx)
}

// Stop 请求停止主循环，当前周期执行完后退出。
func (t *Trader) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// setup 合并观察列表、校验适配器能力、对齐账户并预载历史数据。
// 任一步骤失败都是启动期致命错误。
func (t *Trader) setup(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateStopped {
		t.mu.Unlock()
		return errors.New("trader: 已处于运行状态")
	}
	algos := t.algos
	t.mu.Unlock()

	watch := BuildWatchlist(t.base, algos)
	if err := watch.Validate(t.streamer); err != nil {
		return err
	}

	iv := watch.BaseInterval()

	t.mu.Lock()
	t.watch = watch
	t.iv = iv
	t.buffer = syncbuf.New(t.opts.SyncTimeout, t.logger)
	t.gw = gateway.New(t.broker, t.ledger, iv, &t.mu, t.logger)
	t.mu.Unlock()

	if err := t.syncAccount(ctx); err != nil {
		return err
	}
	if err := t.preload(ctx); err != nil {
		return err
	}
	return nil
}

// syncAccount 从执行端对齐账户与持仓，能力未声明时保留本地账本并降级。
func (t *Trader) syncAccount(ctx context.Context) error {
	caps := t.broker.Capabilities()

	if caps.Has(broker.CapAccount) {
		info, err := t.broker.AccountInfo(ctx)
		if err != nil {
			return fmt.Errorf("trader: 同步账户失败: %w", err)
		}
		t.mu.Lock()
		t.ledger.Cash = info.Cash
		t.ledger.BuyingPower = info.BuyingPower
		t.ledger.Equity = info.Equity
		if info.Multiplier > 0 {
			t.ledger.Multiplier = info.Multiplier
		}
		t.mu.Unlock()
	} else {
		t.logger.Warn("执行端不支持账户查询，使用本地账本", zap.String("adapter", t.broker.Name()))
	}

	if caps.Has(broker.CapPositions) {
		for _, class := range []market.AssetClass{market.AssetStock, market.AssetCrypto, market.AssetOption} {
			positions, err := t.broker.Positions(ctx, class)
			if err != nil {
				return fmt.Errorf("trader: 同步持仓失败: %w", err)
			}
			t.mu.Lock()
			t.ledger.SetPositions(class, positions)
			t.mu.Unlock()
		}
	}

	return nil
}

// preload 并行拉取各标的的历史K线写入存储，算法首个周期即有足量数据。
func (t *Trader) preload(ctx context.Context) error {
	if t.opts.PreloadBars <= 0 {
		return nil
	}

	end := t.iv.Truncate(t.streamer.CurrentTime())
	start := end.Add(-time.Duration(t.opts.PreloadBars) * t.iv.Duration())

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range t.watch.Symbols() {
		symbol := symbol
		g.Go(func() error {
			rows, err := t.streamer.PriceHistory(gctx, symbol, t.iv, start, end)
			if err != nil {
				return fmt.Errorf("trader: 预载 %s 失败: %w", symbol, err)
			}
			rows = market.Normalize(rows, t.iv)
			if err := t.store.SaveCandles(gctx, symbol, t.iv, rows); err != nil {
				return err
			}
			t.logger.Debug("历史数据预载完成",
				zap.String("symbol", symbol),
				zap.Int("rows", len(rows)),
			)
			return nil
		})
	}
	return g.Wait()
}

func (t *Trader) runLoop(ctx context.Context) error {
	symbols := t.watch.Symbols()

	// 推送式数据源长驻一条流，K线直接进同步缓冲；
	// 轮询式数据源在每个边界主动拉取。
	streamer, push := t.streamer.(broker.Streamer)
	if push {
		subs := make([]market.Subscription, 0, len(symbols))
		for _, sym := range symbols {
			subs = append(subs, market.Subscription{Symbol: sym, Interval: t.iv})
		}
		go func() {
			if err := streamer.Stream(ctx, subs, t.buffer.Push); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Error("行情推送流中断", zap.Error(err))
			}
		}()
	}

	for {
		boundary, err := t.waitBoundary(ctx)
		if err != nil {
			return err
		}

		if hours, err := t.streamer.MarketHours(ctx, boundary); err == nil && !hours.IsOpen {
			t.logger.Debug("市场休市，跳过本周期", zap.Time("boundary", boundary))
			continue
		}

		t.buffer.Reset(boundary, symbols)
		if !push {
			go t.fetchAll(ctx, boundary, symbols)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-t.buffer.Snapshots():
			t.runCycle(ctx, snap)
		}
	}
}

// waitBoundary 睡眠到下一个基础周期边界。
func (t *Trader) waitBoundary(ctx context.Context) (time.Time, error) {
	now := time.Now().UTC()
	boundary := t.iv.Next(t.iv.Truncate(now))

	timer := time.NewTimer(boundary.Sub(now))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-timer.C:
		return boundary, nil
	}
}

// fetchAll 并行拉取各标的最新K线推入同步缓冲。
// 单标的失败只记录日志，缺口由缓冲超时补零。
func (t *Trader) fetchAll(ctx context.Context, boundary time.Time, symbols []string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			rows, err := t.fetchWithRetry(gctx, symbol, boundary)
			if err != nil {
				t.logger.Error("拉取行情失败，等待补零",
					zap.String("symbol", symbol),
					zap.Time("boundary", boundary),
					zap.Error(err),
				)
				return nil
			}
			t.buffer.Push(symbol, rows)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Trader) fetchWithRetry(ctx context.Context, symbol string, boundary time.Time) ([]market.Candle, error) {
	start := boundary.Add(-t.iv.Duration())

	var err error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		var rows []market.Candle
		rows, err = t.streamer.PriceHistory(ctx, symbol, t.iv, start, boundary)
		if err == nil {
			return market.Normalize(rows, t.iv), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fetchRetryDelay):
		}
	}
	return nil, err
}

func (t *Trader) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

// runCycle 处理一份聚齐的快照：先对账与落盘，再运行算法，最后派发意图。
func (t *Trader) runCycle(ctx context.Context, snap market.Snapshot) {
	t.setPhase(PhaseUpdateLedgerAndStorage)
	t.pollOrders(ctx)
	t.persistSnapshot(ctx, snap)

	t.mu.Lock()
	t.ledger.MarkEquity(snap)
	equity := t.ledger.Equity
	ledgerCopy := t.ledger.Snapshot()
	t.mu.Unlock()

	if err := t.store.RecordEquity(ctx, snap.Timestamp, equity); err != nil {
		t.logger.Warn("记录净值失败", zap.Error(err))
	}

	t.setPhase(PhaseRunAlgorithms)
	cycle := algo.NewCycle(snap.Timestamp, t.buildCandles(ctx, snap), ledgerCopy)
	for _, a := range t.algos {
		t.runAlgorithm(ctx, a, cycle)
	}

	// 网关自行在读写账本的瞬间取锁，派发期间的网络调用不阻塞
	// CurrentAccount 等并发读取。
	t.setPhase(PhaseDispatchOrders)
	submitted := t.gw.Dispatch(ctx, cycle.Intents(), snap)

	for _, order := range submitted {
		t.store.RecordEvent(ctx, storage.Event{
			Type: storage.EventOrderSubmitted,
			Payload: map[string]interface{}{
				"id":     order.ID,
				"symbol": order.Symbol,
				"side":   order.Side,
				"qty":    order.Quantity,
				"limit":  order.LimitPrice,
			},
		})
	}

	t.setPhase(PhaseAwaitSnapshot)
}

// pollOrders 查询挂单状态并把成交结果反映到账本与存储。
func (t *Trader) pollOrders(ctx context.Context) {
	t.mu.Lock()
	pending := t.ledger.PendingOrders()
	t.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if !t.broker.Capabilities().Has(broker.CapOrderStatus) {
		t.logger.Debug("执行端不支持订单查询，挂单状态维持不变")
		return
	}

	for _, order := range pending {
		state, err := t.broker.OrderStatus(ctx, order.Class, order.ID)
		if err != nil {
			t.logger.Warn("查询订单状态失败",
				zap.String("id", order.ID),
				zap.Error(err),
			)
			continue
		}

		switch state.Status {
		case account.StatusFilled:
			order.Status = account.StatusFilled
			order.FilledQty = state.FilledQty
			order.FilledPrice = state.FilledPrice
			order.FilledAt = state.FilledAt

			t.mu.Lock()
			t.ledger.UpdateOrder(order)
			t.ledger.ApplyFill(order)
			t.mu.Unlock()

			if err := t.store.RecordTransaction(ctx, storage.Transaction{
				Timestamp: order.FilledAt,
				Algorithm: order.Algorithm,
				Symbol:    order.Symbol,
				Side:      order.Side,
				Quantity:  order.FilledQty,
				Price:     order.FilledPrice,
			}); err != nil {
				t.logger.Warn("记录成交失败", zap.Error(err))
			}
			t.store.RecordEvent(ctx, storage.Event{
				Type: storage.EventOrderFilled,
				Payload: map[string]interface{}{
					"id":     order.ID,
					"symbol": order.Symbol,
					"side":   order.Side,
					"qty":    order.FilledQty,
					"price":  order.FilledPrice,
				},
			})

			t.logger.Info("订单成交",
				zap.String("id", order.ID),
				zap.String("symbol", order.Symbol),
				zap.Float64("price", order.FilledPrice),
			)

		case account.StatusCancelled, account.StatusRejected:
			order.Status = state.Status
			t.mu.Lock()
			t.ledger.UpdateOrder(order)
			t.mu.Unlock()
			t.logger.Info("订单终止",
				zap.String("id", order.ID),
				zap.String("status", string(state.Status)),
			)
		}
	}
}

// persistSnapshot 把本周期的真实K线写入存储，补零行不落盘。
func (t *Trader) persistSnapshot(ctx context.Context, snap market.Snapshot) {
	for symbol, rows := range snap.Candles {
		real := make([]market.Candle, 0, len(rows))
		for _, row := range rows {
			if !row.IsZero() {
				real = append(real, row)
			}
		}
		if len(real) == 0 {
			continue
		}
		if err := t.store.SaveCandles(ctx, symbol, t.iv, real); err != nil {
			t.logger.Error("持久化行情失败",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}
}

// buildCandles 为算法准备各标的在全部请求周期上的历史视图。
// 基础周期来自存储（已包含本周期落盘数据），聚合周期现算。
func (t *Trader) buildCandles(ctx context.Context, snap market.Snapshot) map[string]map[interval.Interval][]market.Candle {
	out := make(map[string]map[interval.Interval][]market.Candle, len(snap.Candles))

	for _, symbol := range t.watch.Symbols() {
		baseRows, err := t.store.LoadCandles(ctx, symbol, t.iv, t.opts.HistoryBars)
		if err != nil {
			t.logger.Error("读取历史行情失败，本周期退化为快照数据",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			baseRows = snap.Candles[symbol]
		}

		byInterval := make(map[interval.Interval][]market.Candle)
		for _, iv := range t.watch.Intervals(symbol) {
			if iv == t.iv {
				byInterval[iv] = baseRows
				continue
			}
			byInterval[iv] = market.Aggregate(baseRows, iv)
		}
		out[symbol] = byInterval
	}

	return out
}

// runAlgorithm 运行单个算法并隔离其错误与 panic：
// 失败只跳过该算法的当前周期，不会移除算法。
func (t *Trader) runAlgorithm(ctx context.Context, a algo.Algorithm, cycle *algo.Cycle) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("算法发生panic，跳过当前周期",
				zap.String("algorithm", a.Name()),
				zap.Any("panic", r),
			)
			t.store.RecordEvent(ctx, storage.Event{
				Type: storage.EventCycleError,
				Payload: map[string]interface{}{
					"algorithm": a.Name(),
					"panic":     fmt.Sprint(r),
				},
			})
		}
	}()

	cycle.Bind(a.Name())
	if err := a.Run(cycle); err != nil {
		t.logger.Error("算法运行失败，跳过当前周期",
			zap.String("algorithm", a.Name()),
			zap.Error(err),
		)
		t.store.RecordEvent(ctx, storage.Event{
			Type: storage.EventCycleError,
			Payload: map[string]interface{}{
				"algorithm": a.Name(),
				"error":     err.Error(),
			},
		})
	}
}

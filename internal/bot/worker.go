package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backpack-grid-bot-go/internal/exchange"
	"backpack-grid-bot-go/internal/grid"
	"backpack-grid-bot-go/internal/idgenerator"
	"backpack-grid-bot-go/internal/ledger"
	"backpack-grid-bot-go/internal/models"
	"backpack-grid-bot-go/internal/position"
	"backpack-grid-bot-go/internal/retry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stopCancelTimeout 是停机时兜底撤单的时间上限。外部 ctx 已经取消，
// 撤单用独立的短 ctx 执行。
const stopCancelTimeout = 15 * time.Second

// RetrySet 是按操作类别划分的重试预算。行情查询便宜可以多试几次，
// 下单有副作用要保守。
type RetrySet struct {
	Buy        retry.Policy
	Sell       retry.Policy
	Balance    retry.Policy
	Price      retry.Policy
	OrderQuery retry.Policy // 订单状态/成交历史/挂单列表查询
}

// WorkerConfig 是单个交易对 worker 的全部参数
type WorkerConfig struct {
	Pair                 models.TradingPair
	Levels               int
	Spread               decimal.Decimal
	Sizing               models.OrderSizing
	TakeProfitPct        decimal.Decimal
	DriftThresholdRatio  decimal.Decimal
	DustThresholdUSD     decimal.Decimal
	MinOrderSize         decimal.Decimal
	PollInterval         time.Duration
	PlanRetryDelay       time.Duration
	ErrorBackoff         time.Duration
	MaxConsecutiveErrors int
	Retries              RetrySet
}

// Status 是 worker 对外暴露的只读快照
type Status struct {
	Pair           models.TradingPair
	State          State
	Position       position.Snapshot
	OpenOrderCount int
	FatalErr       error
}

// Worker 在单个交易对上运行网格策略的状态机。每个 worker 独占自己的
// Tracker 和 Ledger，worker 之间互不共享可变状态；一个 worker 的
// 致命错误只停掉它自己。
type Worker struct {
	cfg      WorkerConfig
	gateway  exchange.Gateway
	observer Observer
	logger   *zap.SugaredLogger

	tracker *position.Tracker
	ledger  *ledger.Ledger

	mu       sync.RWMutex
	state    State
	grid     *models.GridState
	fatalErr error

	consecutiveErrors int
}

// NewWorker 构造一个尚未启动的 worker
func NewWorker(cfg WorkerConfig, gw exchange.Gateway, obs Observer, logger *zap.SugaredLogger) *Worker {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Worker{
		cfg:      cfg,
		gateway:  gw,
		observer: obs,
		logger:   logger,
		tracker:  position.NewTracker(cfg.Pair),
		ledger:   ledger.New(cfg.Pair),
		state:    StateInitializing,
	}
}

// Status 返回当前快照，可在 Run 执行期间并发调用
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		Pair:           w.cfg.Pair,
		State:          w.state,
		Position:       w.tracker.Snapshot(),
		OpenOrderCount: w.ledger.OpenCount(),
		FatalErr:       w.fatalErr,
	}
}

// Run 驱动状态机直到进入 STOPPED 或 ctx 取消。阻塞调用。
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.shutdown()
			return
		}
		switch w.currentState() {
		case StateInitializing:
			w.transition(StatePlanning)
		case StatePlanning:
			w.runPlanning(ctx)
		case StateActive:
			w.runActive(ctx)
		case StateRepositioning:
			w.runRepositioning(ctx)
		case StateErrorBackoff:
			w.runErrorBackoff(ctx)
		case StateStopped:
			return
		}
	}
}

func (w *Worker) currentState() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) transition(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	if from != to {
		w.observer.OnStateChange(w.cfg.Pair, from, to)
	}
}

// fatal 记录致命错误并进入终态。盘口上的挂单尽力扫掉，
// 带着问题的账目不配继续持有任何委托。
func (w *Worker) fatal(err error) {
	w.mu.Lock()
	w.fatalErr = err
	w.mu.Unlock()
	w.observer.OnFatal(w.cfg.Pair, err)
	w.cancelAllResting()
	w.transition(StateStopped)
}

// cancelAllResting 用独立的短 ctx 尽力撤掉全部挂单并清空台账
func (w *Worker) cancelAllResting() {
	ctx, cancel := context.WithTimeout(context.Background(), stopCancelTimeout)
	defer cancel()
	if err := w.gateway.CancelAllOpenOrders(ctx, w.cfg.Pair); err != nil {
		w.logger.Warnf("[%s] 停机撤单失败: %v", w.cfg.Pair, err)
	}
	for _, ord := range w.ledger.Clear() {
		w.observer.OnOrderCanceled(ord)
	}
}

// shutdown 是 ctx 取消时的正常停机路径：尽力撤掉全部挂单再进入终态
func (w *Worker) shutdown() {
	if w.currentState() == StateStopped {
		return
	}
	w.cancelAllResting()
	w.transition(StateStopped)
}

// stepFailed 统一处理非致命错误：进入退避，连续失败超预算则停机
func (w *Worker) stepFailed(err error) {
	w.consecutiveErrors++
	w.logger.Warnf("[%s] 第 %d 次连续失败: %v", w.cfg.Pair, w.consecutiveErrors, err)
	if w.cfg.MaxConsecutiveErrors > 0 && w.consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
		w.fatal(fmt.Errorf("连续失败 %d 次，超出预算: %w", w.consecutiveErrors, err))
		return
	}
	w.transition(StateErrorBackoff)
}

func (w *Worker) runErrorBackoff(ctx context.Context) {
	if !sleepCtx(ctx, w.cfg.ErrorBackoff) {
		return
	}
	// 退避后回到规划：盘口可能已经变了，直接重建梯子最简单可靠
	w.transition(StatePlanning)
}

// runPlanning 查余额和现价、规划梯子、把每一档挂到交易所
func (w *Worker) runPlanning(ctx context.Context) {
	price, err := w.fetchPrice(ctx)
	if err != nil {
		w.stepFailed(fmt.Errorf("查询现价: %w", err))
		return
	}
	quote, err := w.fetchQuoteBalance(ctx)
	if err != nil {
		w.stepFailed(fmt.Errorf("查询余额: %w", err))
		return
	}

	state, err := grid.Plan(grid.Params{
		Pair:           w.cfg.Pair,
		CenterPrice:    price,
		Levels:         w.cfg.Levels,
		Spread:         w.cfg.Spread,
		Sizing:         w.cfg.Sizing,
		AvailableQuote: quote,
		MinOrderSize:   w.cfg.MinOrderSize,
		At:             time.Now(),
	})
	if errors.Is(err, grid.ErrInsufficientFunds) {
		// 不算错误：等余额到位后重试规划
		w.logger.Infof("[%s] 余额不足以建立网格（可用 %s %s），%s 后重试",
			w.cfg.Pair, quote, w.cfg.Pair.Quote, w.cfg.PlanRetryDelay)
		sleepCtx(ctx, w.cfg.PlanRetryDelay)
		return
	}
	if err != nil {
		w.stepFailed(fmt.Errorf("规划网格: %w", err))
		return
	}

	// 梯子只能整体替换：错误退避后重新进入规划时旧挂单可能还留在
	// 盘口上，先撤干净再铺新的，绝不允许新旧两套梯子同时生效
	if w.ledger.OpenCount() > 0 {
		if err := w.gateway.CancelAllOpenOrders(ctx, w.cfg.Pair); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.stepFailed(fmt.Errorf("撤销旧网格: %w", err))
			return
		}
		for _, ord := range w.ledger.Clear() {
			w.observer.OnOrderCanceled(ord)
		}
	}

	placed := 0
	for _, lvl := range state.Levels {
		if lvl.Side == models.Sell && w.tracker.Snapshot().DustClosed {
			continue
		}
		if _, err := w.placeOrder(ctx, lvl.Side, lvl.Price, lvl.Size); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warnf("[%s] 挂 %s 单失败 (%s @ %s): %v",
				w.cfg.Pair, lvl.Side, lvl.Size, lvl.Price, err)
			continue
		}
		placed++
	}
	if placed == 0 {
		w.stepFailed(fmt.Errorf("网格 %d 档全部挂单失败", len(state.Levels)))
		return
	}

	// 重新定位撤掉过旧的止盈单后，持仓会短暂裸露；这里重新补上覆盖
	if err := w.ensureTakeProfitCoverage(ctx, price); err != nil {
		w.logger.Warnf("[%s] 补挂止盈单失败: %v", w.cfg.Pair, err)
	}

	w.mu.Lock()
	w.grid = state
	w.mu.Unlock()
	w.consecutiveErrors = 0
	w.logger.Infof("[%s] 网格已建立: 中心价 %s, 共 %d 档挂单", w.cfg.Pair, price, placed)
	w.transition(StateActive)
}

// ensureTakeProfitCoverage 为现有持仓补挂一张止盈卖单。
// 粉尘仓位不补：卖不出去还占着额度。
func (w *Worker) ensureTakeProfitCoverage(ctx context.Context, currentPrice decimal.Decimal) error {
	w.tracker.MarkDustIfBelow(currentPrice, w.cfg.DustThresholdUSD)
	if !w.tracker.HasOpenPosition() {
		return nil
	}
	snap := w.tracker.Snapshot()
	tp := w.tracker.TakeProfitPrice(w.cfg.TakeProfitPct).Round(8)
	_, err := w.placeOrder(ctx, models.Sell, tp, snap.NetSize)
	return err
}

// runActive 是稳态轮询：对账、处理成交、检查漂移
func (w *Worker) runActive(ctx context.Context) {
	if !sleepCtx(ctx, w.cfg.PollInterval) {
		return
	}
	if err := w.tick(ctx); err != nil {
		var inv *position.InvariantViolationError
		if errors.As(err, &inv) {
			w.fatal(err)
			return
		}
		w.stepFailed(err)
		return
	}
	w.consecutiveErrors = 0
}

func (w *Worker) tick(ctx context.Context) error {
	open, err := w.fetchOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("查询挂单: %w", err)
	}

	result, recErr := w.ledger.Reconcile(open, w.classify(ctx))
	if recErr != nil {
		// 个别订单分类失败只记录，留到下一轮；成功分类的照常处理
		w.logger.Warnf("[%s] 部分订单对账失败: %v", w.cfg.Pair, recErr)
	}
	for _, ord := range result.NewlyCanceled {
		w.observer.OnOrderCanceled(ord)
	}

	price, err := w.fetchPrice(ctx)
	if err != nil {
		return fmt.Errorf("查询现价: %w", err)
	}

	for _, fill := range result.NewlyFilled {
		if err := w.handleFill(ctx, fill, price); err != nil {
			return err
		}
	}

	w.checkDrift(price)
	return nil
}

// handleFill 先更新仓位，再挂对手单。持仓低于粉尘阈值不再挂卖单。
func (w *Worker) handleFill(ctx context.Context, fill models.Fill, currentPrice decimal.Decimal) error {
	if err := w.tracker.ApplyFill(fill.Side, fill.Price, fill.Size); err != nil {
		return err
	}
	w.observer.OnFill(fill)
	w.logger.Infof("[%s] 成交 %s %s @ %s，当前持仓 %s",
		w.cfg.Pair, fill.Side, fill.Size, fill.Price, w.tracker.Snapshot().NetSize)

	switch fill.Side {
	case models.Buy:
		w.tracker.MarkDustIfBelow(currentPrice, w.cfg.DustThresholdUSD)
		if w.tracker.Snapshot().DustClosed {
			w.logger.Infof("[%s] 持仓低于粉尘阈值，跳过止盈卖单", w.cfg.Pair)
			return nil
		}
		one := decimal.NewFromInt(1)
		hundred := decimal.NewFromInt(100)
		tp := fill.Price.Mul(one.Add(w.cfg.TakeProfitPct.Div(hundred))).Round(8)
		if _, err := w.placeOrder(ctx, models.Sell, tp, fill.Size); err != nil {
			return fmt.Errorf("买单成交后挂止盈卖单: %w", err)
		}
	case models.Sell:
		buyPrice := w.replacementBuyPrice(fill.Price)
		if _, err := w.placeOrder(ctx, models.Buy, buyPrice, fill.Size); err != nil {
			return fmt.Errorf("卖单成交后补挂买单: %w", err)
		}
	}
	return nil
}

// replacementBuyPrice 为成交的卖单找回补买价：优先用当前梯子里
// 紧邻其下的买档，梯子里找不到就按价差往下退一格。
func (w *Worker) replacementBuyPrice(sellPrice decimal.Decimal) decimal.Decimal {
	w.mu.RLock()
	state := w.grid
	w.mu.RUnlock()
	if state != nil {
		best := decimal.Zero
		for _, lvl := range grid.BuyLevels(state) {
			if lvl.Price.LessThan(sellPrice) && lvl.Price.GreaterThan(best) {
				best = lvl.Price
			}
		}
		if best.IsPositive() {
			return best
		}
	}
	one := decimal.NewFromInt(1)
	return sellPrice.Div(one.Add(w.cfg.Spread)).Round(8)
}

// checkDrift 检查现价相对网格中心的偏移，超阈值则触发重新定位。
// 阈值与网格带宽成比例：ratio * spread * levels。
func (w *Worker) checkDrift(price decimal.Decimal) {
	w.mu.RLock()
	state := w.grid
	w.mu.RUnlock()
	if state == nil {
		return
	}
	drift := price.Sub(state.CenterPrice).Abs().Div(state.CenterPrice)
	threshold := w.cfg.DriftThresholdRatio.
		Mul(w.cfg.Spread).
		Mul(decimal.NewFromInt(int64(w.cfg.Levels)))
	if drift.GreaterThan(threshold) {
		w.logger.Infof("[%s] 现价 %s 偏离中心 %s 达 %s（阈值 %s），重新定位",
			w.cfg.Pair, price, state.CenterPrice, drift, threshold)
		w.transition(StateRepositioning)
	}
}

// runRepositioning 整体撤掉旧梯子（包括止盈对手单），然后重新规划。
// 持仓和已实现盈亏原样保留。
func (w *Worker) runRepositioning(ctx context.Context) {
	if err := w.gateway.CancelAllOpenOrders(ctx, w.cfg.Pair); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.stepFailed(fmt.Errorf("重新定位撤单: %w", err))
		return
	}
	for _, ord := range w.ledger.Clear() {
		w.observer.OnOrderCanceled(ord)
	}
	w.mu.Lock()
	w.grid = nil
	w.mu.Unlock()
	w.transition(StatePlanning)
}

// classify 返回对账用的分类器：先查订单状态，查不到（交易所已归档）
// 再翻成交历史，有成交按成交算，没有按撤单算。
func (w *Worker) classify(ctx context.Context) ledger.Classifier {
	return func(order models.RestingOrder) (models.OrderStatus, *models.Fill, error) {
		var ord *models.Order
		err := w.cfg.Retries.OrderQuery.Do(ctx, func() error {
			var e error
			ord, e = w.gateway.GetOrderStatus(ctx, w.cfg.Pair, order.ExchangeOrderID)
			return e
		})
		if err == nil && ord != nil {
			if ord.Status != models.OrderFilled {
				return ord.Status, nil, nil
			}
			size := ord.ExecutedQty
			if !size.IsPositive() {
				size = order.Size
			}
			return models.OrderFilled, &models.Fill{
				OrderID: order.ExchangeOrderID,
				Pair:    w.cfg.Pair,
				Side:    order.Side,
				Price:   ord.Price,
				Size:    size,
				Time:    time.Now(),
			}, nil
		}
		if retry.Transient(err) || ctx.Err() != nil {
			return "", nil, err
		}
		// 状态查询说没有这张单：翻成交历史做最终裁决
		return w.classifyFromFills(ctx, order)
	}
}

func (w *Worker) classifyFromFills(ctx context.Context, order models.RestingOrder) (models.OrderStatus, *models.Fill, error) {
	var fills []models.Fill
	err := w.cfg.Retries.OrderQuery.Do(ctx, func() error {
		var e error
		fills, e = w.gateway.GetFills(ctx, w.cfg.Pair, order.PlacedAt)
		return e
	})
	if err != nil {
		return "", nil, fmt.Errorf("查询成交历史: %w", err)
	}
	for _, f := range fills {
		if f.OrderID == order.ExchangeOrderID {
			return models.OrderFilled, &f, nil
		}
	}
	return models.OrderCanceled, nil, nil
}

// placeOrder 按方向选用对应的重试预算下单，成功后登记进台账
func (w *Worker) placeOrder(ctx context.Context, side models.Side, price, size decimal.Decimal) (*models.Order, error) {
	policy := w.cfg.Retries.Buy
	if side == models.Sell {
		policy = w.cfg.Retries.Sell
	}
	clientID := idgenerator.NewClientOrderID("grid")
	var ord *models.Order
	err := policy.Do(ctx, func() error {
		var e error
		ord, e = w.gateway.PlaceOrder(ctx, w.cfg.Pair, side, price, size, clientID)
		return e
	})
	if err != nil {
		return nil, err
	}
	resting := models.RestingOrder{
		Pair:            w.cfg.Pair,
		Side:            side,
		Price:           price,
		Size:            size,
		ExchangeOrderID: ord.ID,
		ClientOrderID:   clientID,
		PlacedAt:        time.Now(),
		Status:          models.OrderOpen,
	}
	if err := w.ledger.Track(resting); err != nil {
		return nil, err
	}
	w.observer.OnOrderPlaced(resting)
	return ord, nil
}

func (w *Worker) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := w.cfg.Retries.Price.Do(ctx, func() error {
		var e error
		price, e = w.gateway.GetPrice(ctx, w.cfg.Pair)
		return e
	})
	return price, err
}

func (w *Worker) fetchQuoteBalance(ctx context.Context) (decimal.Decimal, error) {
	var balances map[string]models.Balance
	err := w.cfg.Retries.Balance.Do(ctx, func() error {
		var e error
		balances, e = w.gateway.GetBalances(ctx)
		return e
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balances[w.cfg.Pair.Quote].Available, nil
}

func (w *Worker) fetchOpenOrders(ctx context.Context) ([]models.Order, error) {
	var open []models.Order
	err := w.cfg.Retries.OrderQuery.Do(ctx, func() error {
		var e error
		open, e = w.gateway.GetOpenOrders(ctx, w.cfg.Pair)
		return e
	})
	return open, err
}

// sleepCtx 返回 false 表示 ctx 先取消了
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

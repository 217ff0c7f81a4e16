package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"backpack-grid-bot-go/internal/models"
	"backpack-grid-bot-go/internal/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway 是内存中的交易所替身：挂单放进 open，测试操纵
// fill/cancel 把订单挪进终态，worker 只能通过接口观察到这些变化。
type fakeGateway struct {
	mu        sync.Mutex
	price     decimal.Decimal
	balances  map[string]models.Balance
	open      map[string]models.Order
	archived  map[string]models.Order
	fills     []models.Fill
	nextID    int
	priceErr  error
	placeErr  error
	cancelAll int

	// 接下来 N 次对应请求返回指定错误，之后恢复正常
	priceFailLeft  int
	priceFailErr   error
	statusFailLeft int
	statusFailErr  error
}

func newFakeGateway(price float64, quoteBalance float64) *fakeGateway {
	return &fakeGateway{
		price: decimal.NewFromFloat(price),
		balances: map[string]models.Balance{
			"USDC": {Asset: "USDC", Available: decimal.NewFromFloat(quoteBalance)},
		},
		open:     make(map[string]models.Order),
		archived: make(map[string]models.Order),
	}
}

func (f *fakeGateway) GetPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	if f.priceFailLeft > 0 {
		f.priceFailLeft--
		return decimal.Zero, f.priceFailErr
	}
	return f.price, nil
}

func (f *fakeGateway) GetDepth(ctx context.Context, pair models.TradingPair, depth int) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.price, nil
}

func (f *fakeGateway) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.nextID++
	ord := models.Order{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		ClientOrderID: clientOrderID,
		Pair:          pair,
		Side:          side,
		Price:         price,
		Quantity:      size,
		Status:        models.OrderOpen,
		CreatedAt:     time.Now(),
	}
	f.open[ord.ID] = ord
	return &ord, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ord, ok := f.open[orderID]; ok {
		ord.Status = models.OrderCanceled
		f.archived[orderID] = ord
		delete(f.open, orderID)
	}
	return nil
}

func (f *fakeGateway) CancelAllOpenOrders(ctx context.Context, pair models.TradingPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	for id, ord := range f.open {
		ord.Status = models.OrderCanceled
		f.archived[id] = ord
		delete(f.open, id)
	}
	return nil
}

func (f *fakeGateway) GetOpenOrders(ctx context.Context, pair models.TradingPair) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Order, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeGateway) GetOrderStatus(ctx context.Context, pair models.TradingPair, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusFailLeft > 0 {
		f.statusFailLeft--
		return nil, f.statusFailErr
	}
	if ord, ok := f.open[orderID]; ok {
		return &ord, nil
	}
	if ord, ok := f.archived[orderID]; ok {
		return &ord, nil
	}
	return nil, &models.APIError{HTTPStatus: 404, Code: "RESOURCE_NOT_FOUND", Msg: "order not found"}
}

func (f *fakeGateway) GetFills(ctx context.Context, pair models.TradingPair, since time.Time) ([]models.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Fill(nil), f.fills...), nil
}

// fill 把一张挂单标记为完全成交
func (f *fakeGateway) fill(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ord, ok := f.open[orderID]
	if !ok {
		return
	}
	ord.Status = models.OrderFilled
	ord.ExecutedQty = ord.Quantity
	f.archived[orderID] = ord
	delete(f.open, orderID)
	f.fills = append(f.fills, models.Fill{
		OrderID: orderID, Pair: ord.Pair, Side: ord.Side,
		Price: ord.Price, Size: ord.Quantity, Time: time.Now(),
	})
}

// fillOne 成交指定方向中价格最优的一张挂单并返回其快照
func (f *fakeGateway) fillOne(side models.Side) (models.Order, bool) {
	f.mu.Lock()
	var pick *models.Order
	for _, o := range f.open {
		if o.Side != side {
			continue
		}
		o := o
		if pick == nil ||
			(side == models.Buy && o.Price.GreaterThan(pick.Price)) ||
			(side == models.Sell && o.Price.LessThan(pick.Price)) {
			pick = &o
		}
	}
	f.mu.Unlock()
	if pick == nil {
		return models.Order{}, false
	}
	f.fill(pick.ID)
	return *pick, true
}

func (f *fakeGateway) failPrice(times int, err error) {
	f.mu.Lock()
	f.priceFailLeft = times
	f.priceFailErr = err
	f.mu.Unlock()
}

func (f *fakeGateway) failStatus(times int, err error) {
	f.mu.Lock()
	f.statusFailLeft = times
	f.statusFailErr = err
	f.mu.Unlock()
}

func (f *fakeGateway) setPrice(p float64) {
	f.mu.Lock()
	f.price = decimal.NewFromFloat(p)
	f.mu.Unlock()
}

func (f *fakeGateway) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeGateway) cancelAllCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAll
}

func instantPolicy(op string) retry.Policy {
	return retry.Policy{
		Op:          op,
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func testConfig(pair models.TradingPair) WorkerConfig {
	return WorkerConfig{
		Pair:                 pair,
		Levels:               2,
		Spread:               decimal.NewFromFloat(0.01),
		Sizing:               models.FixedSize(decimal.NewFromInt(1)),
		TakeProfitPct:        decimal.NewFromInt(2),
		DriftThresholdRatio:  decimal.NewFromInt(1),
		DustThresholdUSD:     decimal.NewFromInt(5),
		MinOrderSize:         decimal.NewFromFloat(0.01),
		PollInterval:         time.Millisecond,
		PlanRetryDelay:       time.Millisecond,
		ErrorBackoff:         time.Millisecond,
		MaxConsecutiveErrors: 5,
		Retries: RetrySet{
			Buy:        instantPolicy("buy"),
			Sell:       instantPolicy("sell"),
			Balance:    instantPolicy("balance"),
			Price:      instantPolicy("price"),
			OrderQuery: instantPolicy("order_query"),
		},
	}
}

func startWorker(t *testing.T, cfg WorkerConfig, gw *fakeGateway, obs Observer) (*Worker, context.CancelFunc, chan struct{}) {
	t.Helper()
	w := NewWorker(cfg, gw, obs, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel, done
}

func waitForState(t *testing.T, w *Worker, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.Status().State == want
	}, 2*time.Second, time.Millisecond, "等待状态 %s，当前 %s", want, w.Status().State)
}

func TestWorkerPlansGridAndGoesActive(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	w, cancel, done := startWorker(t, testConfig(pair), gw, NopObserver{})

	waitForState(t, w, StateActive)
	st := w.Status()
	assert.Equal(t, 4, st.OpenOrderCount, "2档买+2档卖")
	assert.Equal(t, 4, gw.openCount())

	// ctx 取消后 worker 应撤掉全部挂单再停机
	cancel()
	<-done
	assert.Equal(t, StateStopped, w.Status().State)
	assert.Equal(t, 0, gw.openCount())
}

func TestBuyFillPlacesTakeProfitSell(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	w, _, _ := startWorker(t, testConfig(pair), gw, NopObserver{})
	waitForState(t, w, StateActive)

	filled, ok := gw.fillOne(models.Buy)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return w.Status().Position.NetSize.Equal(decimal.NewFromInt(1))
	}, 2*time.Second, time.Millisecond)

	// 止盈卖单价 = 成交价 * 1.02
	wantTP := filled.Price.Mul(decimal.NewFromFloat(1.02)).Round(8)
	require.Eventually(t, func() bool {
		open, _ := gw.GetOpenOrders(context.Background(), pair)
		for _, o := range open {
			if o.Side == models.Sell && o.Price.Equal(wantTP) {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "缺少止盈卖单 @ %s", wantTP)

	snap := w.Status().Position
	assert.True(t, snap.AverageEntryPrice.Equal(filled.Price))
	assert.True(t, snap.RealizedPnL.IsZero())
}

func TestRoundTripRealizesProfit(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	w, _, _ := startWorker(t, testConfig(pair), gw, NopObserver{})
	waitForState(t, w, StateActive)

	filledBuy, ok := gw.fillOne(models.Buy)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return w.Status().Position.NetSize.IsPositive()
	}, 2*time.Second, time.Millisecond)

	// 成交价格最低的卖单即刚挂出的止盈单
	wantTP := filledBuy.Price.Mul(decimal.NewFromFloat(1.02)).Round(8)
	require.Eventually(t, func() bool {
		_, ok := func() (models.Order, bool) {
			gw.mu.Lock()
			defer gw.mu.Unlock()
			for _, o := range gw.open {
				if o.Side == models.Sell && o.Price.Equal(wantTP) {
					return o, true
				}
			}
			return models.Order{}, false
		}()
		return ok
	}, 2*time.Second, time.Millisecond)

	gw.mu.Lock()
	var tpID string
	for id, o := range gw.open {
		if o.Side == models.Sell && o.Price.Equal(wantTP) {
			tpID = id
		}
	}
	gw.mu.Unlock()
	gw.fill(tpID)

	wantPnL := wantTP.Sub(filledBuy.Price)
	require.Eventually(t, func() bool {
		snap := w.Status().Position
		return snap.NetSize.IsZero() && snap.RealizedPnL.Equal(wantPnL)
	}, 2*time.Second, time.Millisecond)
	// 清仓后均价归零
	assert.True(t, w.Status().Position.AverageEntryPrice.IsZero())
}

func TestOversellIsFatal(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	var fatalMu sync.Mutex
	var fatalErr error
	obs := fatalRecorder{mu: &fatalMu, err: &fatalErr}
	w, _, done := startWorker(t, testConfig(pair), gw, obs)
	waitForState(t, w, StateActive)

	// 没有任何持仓时网格卖单成交：账目对不上，必须停机
	_, ok := gw.fillOne(models.Sell)
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker 未在超卖后停机")
	}
	st := w.Status()
	assert.Equal(t, StateStopped, st.State)
	require.Error(t, st.FatalErr)
	fatalMu.Lock()
	assert.Error(t, fatalErr, "观察者应收到致命事件")
	fatalMu.Unlock()
}

type fatalRecorder struct {
	NopObserver
	mu  *sync.Mutex
	err *error
}

func (r fatalRecorder) OnFatal(_ models.TradingPair, err error) {
	r.mu.Lock()
	*r.err = err
	r.mu.Unlock()
}

func TestDriftTriggersReposition(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	w, _, _ := startWorker(t, testConfig(pair), gw, NopObserver{})
	waitForState(t, w, StateActive)
	require.Equal(t, 0, gw.cancelAllCalls())

	// 阈值 = 1 * 0.01 * 2 = 2%；涨10%必须触发重新定位
	gw.setPrice(110)

	require.Eventually(t, func() bool {
		return gw.cancelAllCalls() > 0
	}, 2*time.Second, time.Millisecond, "漂移未触发撤单")

	// 重新定位后应围绕新价格重建网格并回到 ACTIVE
	waitForState(t, w, StateActive)
	open, _ := gw.GetOpenOrders(context.Background(), pair)
	require.NotEmpty(t, open)
	center := decimal.NewFromInt(110)
	for _, o := range open {
		diff := o.Price.Sub(center).Abs().Div(center)
		assert.True(t, diff.LessThan(decimal.NewFromFloat(0.05)),
			"订单 %s @ %s 偏离新中心过远", o.Side, o.Price)
	}
}

func TestConsecutiveErrorBudgetIsFatal(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	gw.mu.Lock()
	gw.priceErr = &models.APIError{HTTPStatus: 401, Code: "INVALID_SIGNATURE", Msg: "bad key"}
	gw.mu.Unlock()

	cfg := testConfig(pair)
	cfg.MaxConsecutiveErrors = 3
	w, _, done := startWorker(t, cfg, gw, NopObserver{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker 未在连续失败后停机")
	}
	st := w.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Error(t, st.FatalErr)
	assert.Equal(t, 0, st.OpenOrderCount)
}

func TestInsufficientFundsKeepsPlanning(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 0.5)
	cfg := testConfig(pair)
	cfg.Sizing = models.AutoSize()
	cfg.MinOrderSize = decimal.NewFromInt(1)
	w, _, _ := startWorker(t, cfg, gw, NopObserver{})

	// 余额摆不下一档：停留在 PLANNING 反复重试，不挂任何单、不算错误
	time.Sleep(50 * time.Millisecond)
	st := w.Status()
	assert.Equal(t, StatePlanning, st.State)
	assert.Equal(t, 0, st.OpenOrderCount)
	assert.Equal(t, 0, gw.openCount())
	assert.NoError(t, st.FatalErr)
}

func TestDustPositionSuppressesTakeProfit(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	cfg := testConfig(pair)
	cfg.Sizing = models.FixedSize(decimal.NewFromFloat(0.04)) // 市值 4 USDC < 阈值 5
	w, _, _ := startWorker(t, cfg, gw, NopObserver{})
	waitForState(t, w, StateActive)

	before := gw.openCount()
	_, ok := gw.fillOne(models.Buy)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return w.Status().Position.DustClosed
	}, 2*time.Second, time.Millisecond, "持仓应被标记为粉尘已平")

	// 粉尘仓位不再挂止盈卖单：卖单数维持在网格原有的2档
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before-1, gw.openCount())
	assert.Equal(t, 2, countSide(mustOpen(t, gw, pair), models.Sell))
}

func mustOpen(t *testing.T, gw *fakeGateway, pair models.TradingPair) []models.Order {
	t.Helper()
	open, err := gw.GetOpenOrders(context.Background(), pair)
	require.NoError(t, err)
	return open
}

func TestSellFillReplacesBuyLevel(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	w, _, _ := startWorker(t, testConfig(pair), gw, NopObserver{})
	waitForState(t, w, StateActive)

	// 先建仓，避免卖单成交触发超卖判定
	_, ok := gw.fillOne(models.Buy)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return w.Status().Position.NetSize.IsPositive()
	}, 2*time.Second, time.Millisecond)

	buysBefore := countSide(mustOpen(t, gw, pair), models.Buy)
	_, ok = gw.fillOne(models.Sell)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return countSide(mustOpen(t, gw, pair), models.Buy) > buysBefore
	}, 2*time.Second, time.Millisecond, "卖单成交后应补挂买单")
}

func TestBackoffRecoveryReplacesOldLadder(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	rec := &stateRecorder{}
	w, _, _ := startWorker(t, testConfig(pair), gw, rec)
	waitForState(t, w, StateActive)
	require.Equal(t, 4, gw.openCount())

	// 行情查询连续抖动，耗尽单轮重试预算后 worker 进入退避
	gw.failPrice(3, &models.APIError{HTTPStatus: 500, Code: "SERVICE_UNAVAILABLE", Msg: "upstream"})
	require.Eventually(t, func() bool {
		return rec.saw(StateErrorBackoff)
	}, 2*time.Second, time.Millisecond, "未进入错误退避")

	// 恢复后重新规划必须整体替换旧梯子，而不是在旧梯子之上再铺一层
	waitForState(t, w, StateActive)
	assert.Equal(t, 4, gw.openCount(), "盘口上只允许一套梯子")
	assert.Equal(t, 4, w.Status().OpenOrderCount)
	assert.GreaterOrEqual(t, gw.cancelAllCalls(), 1, "重新规划前应撤掉旧挂单")
}

type stateRecorder struct {
	NopObserver
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) OnStateChange(_ models.TradingPair, _ State, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *stateRecorder) saw(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func TestClassificationUsesOrderQueryBudget(t *testing.T) {
	pair := models.TradingPair{Base: "SOL", Quote: "USDC"}
	gw := newFakeGateway(100, 10000)
	cfg := testConfig(pair)
	// 余额查询不允许重试，只有独立的订单查询预算能撑过抖动
	cfg.Retries.Balance = retry.Policy{
		Op: "balance", MaxAttempts: 1,
		Sleep: func(context.Context, time.Duration) error { return nil },
	}
	w := NewWorker(cfg, gw, nil, zap.NewNop().Sugar())

	ctx := context.Background()
	ord, err := gw.PlaceOrder(ctx, pair, models.Buy, decimal.NewFromInt(99), decimal.NewFromInt(1), "cid-1")
	require.NoError(t, err)
	gw.fill(ord.ID)
	gw.failStatus(2, &models.APIError{HTTPStatus: 503, Code: "SERVICE_UNAVAILABLE", Msg: "upstream"})

	status, fill, err := w.classify(ctx)(models.RestingOrder{
		Pair:            pair,
		Side:            models.Buy,
		Price:           decimal.NewFromInt(99),
		Size:            decimal.NewFromInt(1),
		ExchangeOrderID: ord.ID,
		PlacedAt:        time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, status)
	require.NotNil(t, fill)
	assert.True(t, fill.Size.Equal(decimal.NewFromInt(1)))
}

func countSide(orders []models.Order, side models.Side) int {
	n := 0
	for _, o := range orders {
		if o.Side == side {
			n++
		}
	}
	return n
}

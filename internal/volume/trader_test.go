package volume

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

// fakeGW 是立即成交的交易所替身：下单即 FILLED，便于驱动完整轮次
type fakeGW struct {
	mu        sync.Mutex
	bid, ask  decimal.Decimal
	balances  map[string]models.Balance
	orders    map[string]models.Order
	placed    []models.Order
	nextID    int
	failSells int // 前 N 次卖出直接拒绝
}

func newFakeGW(price float64, quoteBalance float64) *fakeGW {
	p := decimal.NewFromFloat(price)
	return &fakeGW{
		bid: p, ask: p,
		balances: map[string]models.Balance{
			"USDC": {Asset: "USDC", Available: decimal.NewFromFloat(quoteBalance)},
		},
		orders: make(map[string]models.Order),
	}
}

func (f *fakeGW) GetPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bid, nil
}

func (f *fakeGW) GetDepth(ctx context.Context, pair models.TradingPair, depth int) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bid, f.ask, nil
}

func (f *fakeGW) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeGW) PlaceOrder(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if side == models.Sell && f.failSells > 0 {
		f.failSells--
		return nil, &models.APIError{HTTPStatus: 400, Code: "INVALID_ORDER", Msg: "rejected"}
	}
	f.nextID++
	ord := models.Order{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		ClientOrderID: clientOrderID,
		Pair:          pair,
		Side:          side,
		Price:         price,
		Quantity:      size,
		ExecutedQty:   size,
		Status:        models.OrderFilled,
		CreatedAt:     time.Now(),
	}
	f.orders[ord.ID] = ord
	f.placed = append(f.placed, ord)
	return &ord, nil
}

func (f *fakeGW) CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error {
	return nil
}

func (f *fakeGW) CancelAllOpenOrders(ctx context.Context, pair models.TradingPair) error {
	return nil
}

func (f *fakeGW) GetOpenOrders(ctx context.Context, pair models.TradingPair) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeGW) GetOrderStatus(ctx context.Context, pair models.TradingPair, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ord, ok := f.orders[orderID]; ok {
		return &ord, nil
	}
	return nil, &models.APIError{HTTPStatus: 404, Code: "RESOURCE_NOT_FOUND", Msg: "order not found"}
}

func (f *fakeGW) GetFills(ctx context.Context, pair models.TradingPair, since time.Time) ([]models.Fill, error) {
	return nil, nil
}

func (f *fakeGW) placedBySide(side models.Side) []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.placed {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

func instantPolicies() Policies {
	p := retry.Policy{
		MaxAttempts: 2,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	return Policies{Buy: p, Sell: p, Balance: p, Price: p}
}

func testCfg(needed float64) models.VolumeConfig {
	return models.VolumeConfig{
		NeededVolume:   needed,
		MinBalanceLeft: 10,
		TradeAmount:    [2]float64{10, 10},
		Depth:          1,
	}
}

func solPair() []models.TradingPair {
	return []models.TradingPair{{Base: "SOL", Quote: "USDC"}}
}

func TestRunStopsAtVolumeTarget(t *testing.T) {
	gw := newFakeGW(100, 1000)
	tr := NewTrader(testCfg(50), solPair(), gw, instantPolicies(), zap.NewNop().Sugar())

	require.NoError(t, tr.Run(context.Background()))

	// 每轮 10 美元买 + 10 美元卖；达到 50 后必须停
	assert.True(t, tr.TradedVolume().GreaterThanOrEqual(decimal.NewFromInt(50)),
		"累计成交额 %s 未达标", tr.TradedVolume())
	buys := gw.placedBySide(models.Buy)
	sells := gw.placedBySide(models.Sell)
	require.NotEmpty(t, buys)
	assert.Len(t, sells, len(buys), "买卖腿应一一对应")
	for _, o := range buys {
		assert.True(t, o.Quantity.Equal(decimal.NewFromFloat(0.1)), "10美元 @ 100 应为 0.1")
	}
}

func TestRunStopsAtBalanceFloor(t *testing.T) {
	gw := newFakeGW(100, 10) // 可用余额恰好等于保留下限
	cfg := testCfg(0)
	tr := NewTrader(cfg, solPair(), gw, instantPolicies(), zap.NewNop().Sugar())

	require.NoError(t, tr.Run(context.Background()))
	assert.Empty(t, gw.placed, "余额到达下限时不应下任何单")
	assert.True(t, tr.TradedVolume().IsZero())
}

func TestFailedSellIsQueuedAndRetried(t *testing.T) {
	gw := newFakeGW(100, 1000)
	gw.failSells = 1
	tr := NewTrader(testCfg(40), solPair(), gw, instantPolicies(), zap.NewNop().Sugar())

	require.NoError(t, tr.Run(context.Background()))

	// 第一轮卖出被拒后入队，下一轮开始前必须先重卖成功
	buys := gw.placedBySide(models.Buy)
	sells := gw.placedBySide(models.Sell)
	assert.Len(t, sells, len(buys), "重卖后买卖腿数量应追平")
	assert.True(t, tr.TradedVolume().GreaterThanOrEqual(decimal.NewFromInt(40)))
}

func TestSellAllConvertsEverythingButQuote(t *testing.T) {
	gw := newFakeGW(100, 50)
	gw.balances["SOL"] = models.Balance{Asset: "SOL", Available: decimal.NewFromInt(2)}
	gw.balances["ETH"] = models.Balance{Asset: "ETH", Available: decimal.Zero}
	tr := NewTrader(testCfg(0), solPair(), gw, instantPolicies(), zap.NewNop().Sugar())

	require.NoError(t, tr.SellAll(context.Background(), "USDC"))

	sells := gw.placedBySide(models.Sell)
	require.Len(t, sells, 1, "只应卖出 SOL；USDC 是计价货币，ETH 余额为零")
	assert.Equal(t, "SOL", sells[0].Pair.Base)
	assert.True(t, sells[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Empty(t, gw.placedBySide(models.Buy))
}

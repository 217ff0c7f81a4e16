package exchange

import (
	"context"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// throttledGateway 用带缓冲的channel作信号量，限制同时在途的交易所请求数。
// 各 worker 之间没有共享可变状态，这里是唯一的全局约束点。
type throttledGateway struct {
	inner Gateway
	slots chan struct{}
}

// Throttle 包装网关，将并发请求数限制在 limit 以内；limit <= 0 时原样返回。
func Throttle(inner Gateway, limit int) Gateway {
	if limit <= 0 {
		return inner
	}
	return &throttledGateway{inner: inner, slots: make(chan struct{}, limit)}
}

// acquire 占用一个并发槽位；ctx取消时放弃等待
func (t *throttledGateway) acquire(ctx context.Context) error {
	select {
	case t.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *throttledGateway) release() { <-t.slots }

func (t *throttledGateway) GetPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error) {
	if err := t.acquire(ctx); err != nil {
		return decimal.Zero, err
	}
	defer t.release()
	return t.inner.GetPrice(ctx, pair)
}

func (t *throttledGateway) GetDepth(ctx context.Context, pair models.TradingPair, depth int) (decimal.Decimal, decimal.Decimal, error) {
	if err := t.acquire(ctx); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer t.release()
	return t.inner.GetDepth(ctx, pair, depth)
}

func (t *throttledGateway) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()
	return t.inner.GetBalances(ctx)
}

func (t *throttledGateway) PlaceOrder(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()
	return t.inner.PlaceOrder(ctx, pair, side, price, size, clientOrderID)
}

func (t *throttledGateway) CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()
	return t.inner.CancelOrder(ctx, pair, orderID)
}

func (t *throttledGateway) CancelAllOpenOrders(ctx context.Context, pair models.TradingPair) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()
	return t.inner.CancelAllOpenOrders(ctx, pair)
}

func (t *throttledGateway) GetOpenOrders(ctx context.Context, pair models.TradingPair) ([]models.Order, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()
	return t.inner.GetOpenOrders(ctx, pair)
}

func (t *throttledGateway) GetOrderStatus(ctx context.Context, pair models.TradingPair, orderID string) (*models.Order, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()
	return t.inner.GetOrderStatus(ctx, pair, orderID)
}

func (t *throttledGateway) GetFills(ctx context.Context, pair models.TradingPair, since time.Time) ([]models.Fill, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()
	return t.inner.GetFills(ctx, pair, since)
}

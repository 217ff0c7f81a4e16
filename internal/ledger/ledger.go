package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"backpack-grid-bot-go/internal/models"
)

// Classifier resolves the terminal state of an order that disappeared from
// the exchange's open-order list. The worker supplies it as a closure that
// queries order status / fill history through the gateway under RetryPolicy.
type Classifier func(order models.RestingOrder) (models.OrderStatus, *models.Fill, error)

// Result is the outcome of one reconciliation pass.
type Result struct {
	NewlyFilled   []models.Fill
	NewlyCanceled []models.RestingOrder
}

// Ledger tracks the set of currently-resting orders for one pair and
// correlates exchange state to its entries. Fill notifications are not
// assumed to be push-delivered reliably, so the ledger is eventually
// consistent and polling-driven: each cycle it diffs its entries against the
// exchange's authoritative open-order list.
//
// Safe for concurrent use; classification runs outside the lock so status
// snapshots never block on gateway round-trips.
type Ledger struct {
	mu     sync.Mutex
	pair   models.TradingPair
	orders map[string]models.RestingOrder
}

// New creates an empty ledger for a pair.
func New(pair models.TradingPair) *Ledger {
	return &Ledger{pair: pair, orders: make(map[string]models.RestingOrder)}
}

// Track registers a freshly placed resting order.
func (l *Ledger) Track(order models.RestingOrder) error {
	if order.ExchangeOrderID == "" {
		return fmt.Errorf("挂单缺少交易所订单ID: %+v", order)
	}
	if order.Pair != l.pair {
		return fmt.Errorf("挂单交易对 %s 不属于该账本 (%s)", order.Pair, l.pair)
	}
	order.Status = models.OrderOpen
	l.mu.Lock()
	l.orders[order.ExchangeOrderID] = order
	l.mu.Unlock()
	return nil
}

// Reconcile compares tracked orders against the exchange's open-order list.
// Entries present locally but absent from the exchange response are resolved
// through classify: filled orders produce fill events, canceled/rejected ones
// are dropped. Classification failures leave the entry in place for the next
// cycle (the joined errors are returned alongside whatever was resolved).
func (l *Ledger) Reconcile(exchangeOpen []models.Order, classify Classifier) (Result, error) {
	open := make(map[string]struct{}, len(exchangeOpen))
	for _, o := range exchangeOpen {
		open[o.ID] = struct{}{}
	}

	l.mu.Lock()
	missing := make([]models.RestingOrder, 0)
	for id, order := range l.orders {
		if _, stillOpen := open[id]; !stillOpen {
			missing = append(missing, order)
		}
	}
	l.mu.Unlock()
	// Deterministic walk order keeps fill application reproducible.
	sort.Slice(missing, func(i, j int) bool {
		return missing[i].ExchangeOrderID < missing[j].ExchangeOrderID
	})

	var result Result
	var errs []error
	for _, order := range missing {
		id := order.ExchangeOrderID
		status, fill, err := classify(order)
		if err != nil {
			// Keep the entry; the next reconcile pass retries classification.
			errs = append(errs, fmt.Errorf("订单 %s 状态确认失败: %w", id, err))
			continue
		}

		switch status {
		case models.OrderFilled:
			resolved := models.Fill{
				OrderID: id,
				Pair:    order.Pair,
				Side:    order.Side,
				Price:   order.Price,
				Size:    order.Size,
			}
			if fill != nil {
				resolved = *fill
				resolved.OrderID = id
			}
			result.NewlyFilled = append(result.NewlyFilled, resolved)
			l.Forget(id)
		case models.OrderCanceled, models.OrderRejected:
			order.Status = status
			result.NewlyCanceled = append(result.NewlyCanceled, order)
			l.Forget(id)
		case models.OrderOpen:
			// The open-order snapshot lagged; keep the entry.
		default:
			errs = append(errs, fmt.Errorf("订单 %s 返回未知状态 %q", id, status))
		}
	}
	return result, errors.Join(errs...)
}

// Forget drops an entry without classifying it (used after an explicit
// cancel request succeeded).
func (l *Ledger) Forget(orderID string) {
	l.mu.Lock()
	delete(l.orders, orderID)
	l.mu.Unlock()
}

// Clear drops every entry, returning what was tracked.
func (l *Ledger) Clear() []models.RestingOrder {
	l.mu.Lock()
	orders := make([]models.RestingOrder, 0, len(l.orders))
	for _, o := range l.orders {
		orders = append(orders, o)
	}
	l.orders = make(map[string]models.RestingOrder)
	l.mu.Unlock()
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].ExchangeOrderID < orders[j].ExchangeOrderID
	})
	return orders
}

// OpenCount returns the number of tracked resting orders.
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// Orders returns a sorted copy of the tracked resting orders.
func (l *Ledger) Orders() []models.RestingOrder {
	l.mu.Lock()
	out := make([]models.RestingOrder, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out
}

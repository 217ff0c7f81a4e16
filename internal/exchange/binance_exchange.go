package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceExchange 基于官方 go-binance 客户端实现 Gateway 接口，
// 让同一套网格核心可以跑在币安现货账户上。
type BinanceExchange struct {
	client *binance.Client
	logger *zap.SugaredLogger
}

// NewBinanceExchange 创建币安现货网关。baseURL 非空时覆盖默认API地址（测试网用）。
func NewBinanceExchange(apiKey, apiSecret, baseURL string, logger *zap.SugaredLogger) *BinanceExchange {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceExchange{client: client, logger: logger}
}

// symbol 将交易对转为币安符号格式（SOL_USDC -> SOLUSDC）
func symbol(pair models.TradingPair) string {
	return pair.Base + pair.Quote
}

// wrapErr 将 go-binance 的 APIError 归一化为 models.APIError，
// 保留HTTP无关的币安错误码供重试分类使用。
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		status := 400
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS / TOO_MANY_ORDERS
			status = 429
		case -1000, -1001, -1007: // UNKNOWN / DISCONNECTED / TIMEOUT
			status = 500
		}
		return &models.APIError{HTTPStatus: status, Code: strconv.FormatInt(apiErr.Code, 10), Msg: apiErr.Message}
	}
	return err
}

func (e *BinanceExchange) GetPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol(pair)).Do(ctx)
	if err != nil {
		return decimal.Zero, wrapErr(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("交易对 %s 没有价格数据", pair)
	}
	return decimal.NewFromString(prices[0].Price)
}

func (e *BinanceExchange) GetDepth(ctx context.Context, pair models.TradingPair, depth int) (decimal.Decimal, decimal.Decimal, error) {
	if depth < 1 {
		depth = 1
	}
	book, err := e.client.NewDepthService().Symbol(symbol(pair)).Limit(depth).Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, wrapErr(err)
	}
	if len(book.Bids) < depth || len(book.Asks) < depth {
		return decimal.Zero, decimal.Zero, &models.APIError{HTTPStatus: 200, Code: "EMPTY_ORDERBOOK", Msg: "盘口深度不足"}
	}
	bid, err := decimal.NewFromString(book.Bids[depth-1].Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	ask, err := decimal.NewFromString(book.Asks[depth-1].Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bid, ask, nil
}

func (e *BinanceExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	balances := make(map[string]models.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		locked, _ := decimal.NewFromString(b.Locked)
		balances[b.Asset] = models.Balance{Asset: b.Asset, Available: free, Locked: locked}
	}
	return balances, nil
}

func (e *BinanceExchange) PlaceOrder(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	sideType := binance.SideTypeBuy
	if side == models.Sell {
		sideType = binance.SideTypeSell
	}
	svc := e.client.NewCreateOrderService().
		Symbol(symbol(pair)).
		Side(sideType).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(size.String()).
		Price(price.String())
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &models.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Pair:          pair,
		Side:          side,
		Price:         price,
		Quantity:      size,
		Status:        binanceStatus(res.Status),
		CreatedAt:     time.UnixMilli(res.TransactTime),
	}, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}
	_, err = e.client.NewCancelOrderService().Symbol(symbol(pair)).OrderID(id).Do(ctx)
	return wrapErr(err)
}

func (e *BinanceExchange) CancelAllOpenOrders(ctx context.Context, pair models.TradingPair) error {
	_, err := e.client.NewCancelOpenOrdersService().Symbol(symbol(pair)).Do(ctx)
	return wrapErr(err)
}

func (e *BinanceExchange) GetOpenOrders(ctx context.Context, pair models.TradingPair) ([]models.Order, error) {
	raw, err := e.client.NewListOpenOrdersService().Symbol(symbol(pair)).Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	orders := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		converted, err := convertBinanceOrder(o, pair)
		if err != nil {
			e.logger.Warnf("跳过无法解析的挂单 %d: %v", o.OrderID, err)
			continue
		}
		orders = append(orders, *converted)
	}
	return orders, nil
}

func (e *BinanceExchange) GetOrderStatus(ctx context.Context, pair models.TradingPair, orderID string) (*models.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol(pair)).OrderID(id).Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return convertBinanceOrder(o, pair)
}

func (e *BinanceExchange) GetFills(ctx context.Context, pair models.TradingPair, since time.Time) ([]models.Fill, error) {
	svc := e.client.NewListTradesService().Symbol(symbol(pair))
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	fills := make([]models.Fill, 0, len(trades))
	for _, t := range trades {
		price, err1 := decimal.NewFromString(t.Price)
		size, err2 := decimal.NewFromString(t.Quantity)
		if err1 != nil || err2 != nil {
			continue
		}
		side := models.Sell
		if t.IsBuyer {
			side = models.Buy
		}
		fills = append(fills, models.Fill{
			OrderID: strconv.FormatInt(t.OrderID, 10),
			Pair:    pair,
			Side:    side,
			Price:   price,
			Size:    size,
			Time:    time.UnixMilli(t.Time),
		})
	}
	return fills, nil
}

func convertBinanceOrder(o *binance.Order, pair models.TradingPair) (*models.Order, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(o.OrigQuantity)
	if err != nil {
		return nil, err
	}
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	side := models.Buy
	if o.Side == binance.SideTypeSell {
		side = models.Sell
	}
	return &models.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Pair:          pair,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		Status:        binanceStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time),
	}, nil
}

func binanceStatus(s binance.OrderStatusType) models.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return models.OrderOpen
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.OrderCanceled
	default:
		return models.OrderRejected
	}
}

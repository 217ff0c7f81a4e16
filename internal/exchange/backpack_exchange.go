package exchange

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BackpackExchange 实现了 Gateway 接口，通过 ed25519 签名的 REST 请求
// 与 Backpack 交易所交互。价格优先取 WebSocket 推送缓存的最新值，
// 缓存过期时回退到 REST 查询——推送只是提前轮询的提示，不是权威来源。
type BackpackExchange struct {
	apiKey     string
	privateKey ed25519.PrivateKey
	baseURL    string
	wsURL      string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu         sync.RWMutex
	lastPrices map[models.TradingPair]pricePoint
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// priceCacheTTL 以内的推送价格可以直接使用，超过则回退REST
const priceCacheTTL = 5 * time.Second

// NewBackpackExchange 创建一个新的 BackpackExchange 实例。
// apiKey 是 base64 编码的 ed25519 公钥，apiSecret 是 base64 编码的私钥种子。
// proxy 非空时所有请求经由该代理发出。
func NewBackpackExchange(apiKey, apiSecret, baseURL, wsURL, proxy string, logger *zap.SugaredLogger) (*BackpackExchange, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(apiSecret))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("无效的API私钥: 应为base64编码的ed25519种子")
	}

	transport := &http.Transport{}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("无效的代理地址 %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &BackpackExchange{
		apiKey:     strings.TrimSpace(apiKey),
		privateKey: ed25519.NewKeyFromSeed(seed),
		baseURL:    strings.TrimRight(baseURL, "/"),
		wsURL:      wsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second, Transport: transport},
		logger:     logger,
		lastPrices: make(map[models.TradingPair]pricePoint),
	}, nil
}

// sign 按 Backpack 的规则构造签名串并用 ed25519 签名：
// instruction=<指令>&<按key排序的参数>&timestamp=..&window=..
func (e *BackpackExchange) sign(instruction string, params url.Values, timestamp int64, window int) string {
	parts := []string{"instruction=" + instruction}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}
	parts = append(parts, fmt.Sprintf("timestamp=%d", timestamp), fmt.Sprintf("window=%d", window))

	payload := strings.Join(parts, "&")
	sig := ed25519.Sign(e.privateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

// doRequest 是通用的请求处理函数。instruction 非空时附加签名头。
func (e *BackpackExchange) doRequest(ctx context.Context, method, endpoint, instruction string, params url.Values, body any) ([]byte, error) {
	fullURL := e.baseURL + endpoint

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else if len(params) > 0 && method == http.MethodGet {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if instruction != "" {
		const window = 5000
		timestamp := time.Now().UnixMilli()
		req.Header.Set("X-API-Key", e.apiKey)
		req.Header.Set("X-Timestamp", fmt.Sprintf("%d", timestamp))
		req.Header.Set("X-Window", fmt.Sprintf("%d", window))
		req.Header.Set("X-Signature", e.sign(instruction, params, timestamp, window))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &models.APIError{HTTPStatus: resp.StatusCode, Msg: string(respBody)}
		var wire struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &wire) == nil && wire.Code != "" {
			apiErr.Code = wire.Code
			apiErr.Msg = wire.Message
		}
		return nil, apiErr
	}
	return respBody, nil
}

// GetPrice 返回交易对的当前价格，优先使用未过期的推送缓存
func (e *BackpackExchange) GetPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error) {
	e.mu.RLock()
	cached, ok := e.lastPrices[pair]
	e.mu.RUnlock()
	if ok && time.Since(cached.at) < priceCacheTTL {
		return cached.price, nil
	}

	params := url.Values{"symbol": {pair.String()}}
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v1/ticker", "", params, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var wire struct {
		LastPrice string `json:"lastPrice"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return decimal.Zero, fmt.Errorf("解析ticker响应失败: %w", err)
	}
	price, err := decimal.NewFromString(wire.LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("无效的价格 %q: %w", wire.LastPrice, err)
	}

	e.storePrice(pair, price)
	return price, nil
}

// GetDepth 返回盘口指定深度处的买/卖价
func (e *BackpackExchange) GetDepth(ctx context.Context, pair models.TradingPair, depth int) (decimal.Decimal, decimal.Decimal, error) {
	params := url.Values{"symbol": {pair.String()}}
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v1/depth", "", params, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var book struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("解析盘口失败: %w", err)
	}
	if depth < 1 {
		depth = 1
	}
	if len(book.Bids) < depth || len(book.Asks) < depth {
		return decimal.Zero, decimal.Zero, &models.APIError{HTTPStatus: 200, Code: "EMPTY_ORDERBOOK", Msg: "盘口深度不足"}
	}
	// bids 降序排列，asks 升序排列
	bid, err := decimal.NewFromString(book.Bids[depth-1][0])
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	ask, err := decimal.NewFromString(book.Asks[depth-1][0])
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bid, ask, nil
}

// GetBalances 返回账户全部资产余额
func (e *BackpackExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v1/capital", "balanceQuery", url.Values{}, nil)
	if err != nil {
		return nil, err
	}
	var wire map[string]struct {
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("解析余额响应失败: %w", err)
	}

	balances := make(map[string]models.Balance, len(wire))
	for asset, b := range wire {
		available, err := decimal.NewFromString(b.Available)
		if err != nil {
			continue
		}
		locked, _ := decimal.NewFromString(b.Locked)
		balances[asset] = models.Balance{Asset: asset, Available: available, Locked: locked}
	}
	return balances, nil
}

// PlaceOrder 提交GTC限价单
func (e *BackpackExchange) PlaceOrder(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error) {
	body := map[string]string{
		"symbol":      pair.String(),
		"side":        sideToWire(side),
		"orderType":   "Limit",
		"timeInForce": "GTC",
		"price":       price.String(),
		"quantity":    size.String(),
	}
	if clientOrderID != "" {
		body["clientId"] = clientOrderID
	}

	params := url.Values{}
	for k, v := range body {
		params.Set(k, v)
	}
	data, err := e.doRequest(ctx, http.MethodPost, "/api/v1/order", "orderExecute", params, body)
	if err != nil {
		return nil, err
	}
	return parseWireOrder(data, pair)
}

// CancelOrder 撤销指定订单
func (e *BackpackExchange) CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error {
	body := map[string]string{"symbol": pair.String(), "orderId": orderID}
	params := url.Values{"symbol": {pair.String()}, "orderId": {orderID}}
	_, err := e.doRequest(ctx, http.MethodDelete, "/api/v1/order", "orderCancel", params, body)
	return err
}

// CancelAllOpenOrders 撤销交易对的全部挂单
func (e *BackpackExchange) CancelAllOpenOrders(ctx context.Context, pair models.TradingPair) error {
	body := map[string]string{"symbol": pair.String()}
	params := url.Values{"symbol": {pair.String()}}
	_, err := e.doRequest(ctx, http.MethodDelete, "/api/v1/orders", "orderCancelAll", params, body)
	return err
}

// GetOpenOrders 返回交易所侧权威的当前挂单列表
func (e *BackpackExchange) GetOpenOrders(ctx context.Context, pair models.TradingPair) ([]models.Order, error) {
	params := url.Values{"symbol": {pair.String()}}
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v1/orders", "orderQueryAll", params, nil)
	if err != nil {
		return nil, err
	}
	var wires []wireOrder
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("解析挂单列表失败: %w", err)
	}
	orders := make([]models.Order, 0, len(wires))
	for _, w := range wires {
		o, err := w.toOrder(pair)
		if err != nil {
			e.logger.Warnf("跳过无法解析的挂单 %s: %v", w.ID, err)
			continue
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetOrderStatus 查询单个订单的状态
func (e *BackpackExchange) GetOrderStatus(ctx context.Context, pair models.TradingPair, orderID string) (*models.Order, error) {
	params := url.Values{"symbol": {pair.String()}, "orderId": {orderID}}
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v1/order", "orderQuery", params, nil)
	if err != nil {
		return nil, err
	}
	return parseWireOrder(data, pair)
}

// GetFills 返回 since 之后的成交记录
func (e *BackpackExchange) GetFills(ctx context.Context, pair models.TradingPair, since time.Time) ([]models.Fill, error) {
	params := url.Values{"symbol": {pair.String()}}
	if !since.IsZero() {
		params.Set("from", fmt.Sprintf("%d", since.UnixMilli()))
	}
	data, err := e.doRequest(ctx, http.MethodGet, "/wapi/v1/history/fills", "fillHistoryQueryAll", params, nil)
	if err != nil {
		return nil, err
	}
	var wires []struct {
		OrderID   string `json:"orderId"`
		Side      string `json:"side"`
		Price     string `json:"price"`
		Quantity  string `json:"quantity"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("解析成交记录失败: %w", err)
	}
	fills := make([]models.Fill, 0, len(wires))
	for _, w := range wires {
		price, err1 := decimal.NewFromString(w.Price)
		size, err2 := decimal.NewFromString(w.Quantity)
		if err1 != nil || err2 != nil {
			continue
		}
		fills = append(fills, models.Fill{
			OrderID: w.OrderID,
			Pair:    pair,
			Side:    sideFromWire(w.Side),
			Price:   price,
			Size:    size,
			Time:    time.UnixMilli(w.Timestamp),
		})
	}
	return fills, nil
}

func (e *BackpackExchange) storePrice(pair models.TradingPair, price decimal.Decimal) {
	e.mu.Lock()
	e.lastPrices[pair] = pricePoint{price: price, at: time.Now()}
	e.mu.Unlock()
}

// wireOrder 是 Backpack 订单响应的原始结构
type wireOrder struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	ExecutedQty string `json:"executedQuantity"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
}

func (w wireOrder) toOrder(pair models.TradingPair) (*models.Order, error) {
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return nil, fmt.Errorf("无效的价格 %q", w.Price)
	}
	qty, err := decimal.NewFromString(w.Quantity)
	if err != nil {
		return nil, fmt.Errorf("无效的数量 %q", w.Quantity)
	}
	executed := decimal.Zero
	if w.ExecutedQty != "" {
		executed, _ = decimal.NewFromString(w.ExecutedQty)
	}
	return &models.Order{
		ID:            w.ID,
		ClientOrderID: w.ClientID,
		Pair:          pair,
		Side:          sideFromWire(w.Side),
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		Status:        statusFromWire(w.Status),
		CreatedAt:     time.UnixMilli(w.CreatedAt),
	}, nil
}

func parseWireOrder(data []byte, pair models.TradingPair) (*models.Order, error) {
	var w wireOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("解析订单响应失败: %w", err)
	}
	return w.toOrder(pair)
}

func sideToWire(side models.Side) string {
	if side == models.Buy {
		return "Bid"
	}
	return "Ask"
}

func sideFromWire(s string) models.Side {
	switch s {
	case "Bid", "BUY", "Buy":
		return models.Buy
	default:
		return models.Sell
	}
}

func statusFromWire(s string) models.OrderStatus {
	switch s {
	case "New", "PartiallyFilled", "TriggerPending":
		return models.OrderOpen
	case "Filled":
		return models.OrderFilled
	case "Cancelled", "Expired":
		return models.OrderCanceled
	default:
		return models.OrderRejected
	}
}

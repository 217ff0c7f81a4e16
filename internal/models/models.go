package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus 定义了挂单的生命周期状态
type OrderStatus string

const (
	OrderOpen     OrderStatus = "OPEN"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// Terminal 报告该状态是否为终态（订单已离开交易所盘口）
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// TradingPair 标识一个交易对，例如 SOL_USDC。作为 map key 使用，保持不可变。
type TradingPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair 解析 "BASE_QUOTE" 形式的交易对符号
func ParsePair(symbol string) (TradingPair, error) {
	parts := strings.Split(symbol, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradingPair{}, fmt.Errorf("无效的交易对符号: %q", symbol)
	}
	return TradingPair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

func (p TradingPair) String() string {
	return p.Base + "_" + p.Quote
}

// PriceLevel 代表网格中的一个价格档位。由 GridPlanner 产出后不再修改，
// 重新规划时整体替换。
type PriceLevel struct {
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	LevelIndex int             `json:"level_index"`
}

// GridState 代表当前生效的网格梯子。重新定位时整体原子替换，绝不部分更新。
type GridState struct {
	Pair        TradingPair     `json:"pair"`
	CenterPrice decimal.Decimal `json:"center_price"`
	Levels      []PriceLevel    `json:"levels"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RestingOrder 是一笔已提交到交易所、等待成交的挂单
type RestingOrder struct {
	Pair            TradingPair     `json:"pair"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	PlacedAt        time.Time       `json:"placed_at"`
	Status          OrderStatus     `json:"status"`
}

// Order 是交易所侧的订单视图（查询挂单/订单状态时返回）
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Pair          TradingPair     `json:"pair"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Fill 定义了单次成交的信息
type Fill struct {
	OrderID string          `json:"order_id"`
	Pair    TradingPair     `json:"pair"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Time    time.Time       `json:"time"`
}

// Balance 定义了账户中特定资产的余额信息
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// OrderSizing 表示每档下单量的来源：固定数量，或由可用余额自动计算。
// 显式的变体表示，避免用可空字段隐藏 auto 分支。
type OrderSizing struct {
	auto bool
	size decimal.Decimal
}

// FixedSize 构造固定数量的 sizing
func FixedSize(size decimal.Decimal) OrderSizing {
	return OrderSizing{size: size}
}

// AutoSize 构造按余额自动计算的 sizing
func AutoSize() OrderSizing {
	return OrderSizing{auto: true}
}

// IsAuto 报告是否为自动计算模式
func (s OrderSizing) IsAuto() bool { return s.auto }

// Size 返回固定数量；仅在 !IsAuto() 时有意义
func (s OrderSizing) Size() decimal.Decimal { return s.size }

// APIError 定义了交易所API返回的错误信息结构
type APIError struct {
	HTTPStatus int    `json:"http_status"`
	Code       string `json:"code"`
	Msg        string `json:"msg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: status=%d, code=%s, msg=%s", e.HTTPStatus, e.Code, e.Msg)
}

// Transient 报告该错误是否值得重试。限流和服务端错误是暂时的；
// 签名、余额、参数类错误重试也不会成功。
func (e *APIError) Transient() bool {
	if e.HTTPStatus == 429 || e.HTTPStatus >= 500 {
		return true
	}
	switch e.Code {
	case "RATE_LIMIT_EXCEEDED", "SERVICE_UNAVAILABLE", "TIMEOUT":
		return true
	}
	return false
}

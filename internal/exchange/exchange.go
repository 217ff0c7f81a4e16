package exchange

import (
	"context"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Gateway 定义了所有交易所实现必须提供的通用方法。
// 核心逻辑只依赖这个接口，便于在不同交易所和测试替身之间切换。
type Gateway interface {
	// GetPrice 返回交易对的当前市场价格
	GetPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error)
	// GetDepth 返回盘口指定深度处的买一/卖一价格
	GetDepth(ctx context.Context, pair models.TradingPair, depth int) (bid, ask decimal.Decimal, err error)
	// GetBalances 返回账户所有资产的余额
	GetBalances(ctx context.Context) (map[string]models.Balance, error)
	// PlaceOrder 提交限价单并返回交易所订单视图。clientOrderID 作为幂等键，
	// 模糊网络失败后重复提交同一ID不会产生重复订单。
	PlaceOrder(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal, clientOrderID string) (*models.Order, error)
	// CancelOrder 撤销指定订单
	CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error
	// CancelAllOpenOrders 撤销交易对的全部挂单
	CancelAllOpenOrders(ctx context.Context, pair models.TradingPair) error
	// GetOpenOrders 返回交易所侧权威的当前挂单列表
	GetOpenOrders(ctx context.Context, pair models.TradingPair) ([]models.Order, error)
	// GetOrderStatus 查询单个订单的状态
	GetOrderStatus(ctx context.Context, pair models.TradingPair, orderID string) (*models.Order, error)
	// GetFills 返回 since 之后的成交记录
	GetFills(ctx context.Context, pair models.TradingPair, since time.Time) ([]models.Fill, error)
}

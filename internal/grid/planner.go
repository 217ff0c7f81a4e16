package grid

import (
	"errors"
	"fmt"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds 表示余额连一档满足最小下单量的买单都摆不下。
// 这是可恢复的状况：worker 记录日志并延迟后重新规划，不会崩溃。
var ErrInsufficientFunds = errors.New("余额不足，无法规划任何网格档位")

// scale 是档位价格/数量的统一小数位数，保证相同输入产出逐位相同的结果
const scale = 8

// Params 是一次网格规划的全部输入
type Params struct {
	Pair           models.TradingPair
	CenterPrice    decimal.Decimal
	Levels         int
	Spread         decimal.Decimal    // 相邻档位的价差比例，如 0.01
	Sizing         models.OrderSizing // 每档数量：固定值或按余额自动计算
	AvailableQuote decimal.Decimal    // 计价货币的可用余额，Auto 模式下使用
	MinOrderSize   decimal.Decimal    // 交易所最小下单量（基础货币）
	At             time.Time          // 写入 GridState.CreatedAt 的时间戳
}

// Plan 以 CenterPrice 为中心规划对称的网格梯子：
// 第k档买单价为 center/(1+spread)^k，卖单价为 center*(1+spread)^k。
// 纯函数：相同输入永远产出相同的梯子。
//
// Auto 模式下将可用余额均分到各买档；若单档数量低于最小下单量，
// 则从最外层档位向内收缩，直到剩余档位都满足下限；
// 一档也摆不下时返回空梯子和 ErrInsufficientFunds。
func Plan(p Params) (*models.GridState, error) {
	if !p.CenterPrice.IsPositive() {
		return nil, fmt.Errorf("中心价格必须为正，当前为 %s", p.CenterPrice)
	}
	if p.Levels <= 0 {
		return nil, fmt.Errorf("网格档数必须大于0，当前为 %d", p.Levels)
	}
	one := decimal.NewFromInt(1)
	if !p.Spread.IsPositive() || p.Spread.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("网格价差必须在 (0, 1) 区间内，当前为 %s", p.Spread)
	}

	state := &models.GridState{
		Pair:        p.Pair,
		CenterPrice: p.CenterPrice,
		Levels:      []models.PriceLevel{},
		CreatedAt:   p.At,
	}

	levels, size, err := resolveSizing(p)
	if err != nil {
		return state, err
	}

	factor := one.Add(p.Spread)
	ladder := make([]models.PriceLevel, 0, levels*2)
	step := one
	for k := 1; k <= levels; k++ {
		step = step.Mul(factor)
		buyPrice := p.CenterPrice.Div(step).Round(scale)
		sellPrice := p.CenterPrice.Mul(step).Round(scale)
		ladder = append(ladder,
			models.PriceLevel{Side: models.Buy, Price: buyPrice, Size: size, LevelIndex: k},
			models.PriceLevel{Side: models.Sell, Price: sellPrice, Size: size, LevelIndex: k},
		)
	}

	state.Levels = ladder
	return state, nil
}

// resolveSizing 决定档数和单档数量。固定数量时档数不收缩，
// 但低于最小下单量同样按余额不足处理，避免提交注定被拒的订单。
func resolveSizing(p Params) (int, decimal.Decimal, error) {
	if !p.Sizing.IsAuto() {
		size := p.Sizing.Size().Round(scale)
		if size.LessThan(p.MinOrderSize) || !size.IsPositive() {
			return 0, decimal.Zero, ErrInsufficientFunds
		}
		return p.Levels, size, nil
	}

	// 余额均分到各买档，按中心价折算成基础货币数量；
	// 不足时从最外层向内收缩档数
	for levels := p.Levels; levels >= 1; levels-- {
		perLevelQuote := p.AvailableQuote.Div(decimal.NewFromInt(int64(levels)))
		size := perLevelQuote.Div(p.CenterPrice).Round(scale)
		if size.GreaterThanOrEqual(p.MinOrderSize) && size.IsPositive() {
			return levels, size, nil
		}
	}
	return 0, decimal.Zero, ErrInsufficientFunds
}

// BuyLevels 过滤出梯子中的买档
func BuyLevels(state *models.GridState) []models.PriceLevel {
	return filterLevels(state, models.Buy)
}

// SellLevels 过滤出梯子中的卖档
func SellLevels(state *models.GridState) []models.PriceLevel {
	return filterLevels(state, models.Sell)
}

func filterLevels(state *models.GridState, side models.Side) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(state.Levels)/2)
	for _, l := range state.Levels {
		if l.Side == side {
			out = append(out, l)
		}
	}
	return out
}

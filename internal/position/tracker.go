package position

import (
	"fmt"
	"sync"

	"backpack-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// InvariantViolationError 表示成交序列违反了仓位不变量（如超卖）。
// 对该交易对的 worker 是致命错误：带着观测到的差额停机，不波及其他交易对。
type InvariantViolationError struct {
	Pair      models.TradingPair
	NetSize   decimal.Decimal
	SellSize  decimal.Decimal
	SellPrice decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("仓位不变量被破坏 [%s]: 卖出 %s @ %s 超过当前持仓 %s",
		e.Pair, e.SellSize, e.SellPrice, e.NetSize)
}

// Snapshot 是仓位的只读快照
type Snapshot struct {
	Pair              models.TradingPair `json:"pair"`
	NetSize           decimal.Decimal    `json:"net_size"`
	AverageEntryPrice decimal.Decimal    `json:"average_entry_price"`
	RealizedPnL       decimal.Decimal    `json:"realized_pnl"`
	DustClosed        bool               `json:"dust_closed"`
}

// Tracker 从成交事件序列计算加权平均入场价和净持仓。
// 由交易对的 worker 独占变更，只在确认成交时写入；
// 快照读取可能来自其他 goroutine（状态上报），因此带锁。
type Tracker struct {
	mu         sync.Mutex
	pair       models.TradingPair
	netSize    decimal.Decimal
	avgEntry   decimal.Decimal
	realized   decimal.Decimal
	dustClosed bool
}

// NewTracker 创建一个空仓位的追踪器
func NewTracker(pair models.TradingPair) *Tracker {
	return &Tracker{
		pair:     pair,
		netSize:  decimal.Zero,
		avgEntry: decimal.Zero,
		realized: decimal.Zero,
	}
}

// ApplyFill 将一笔确认成交计入仓位。
// 买入：加权平均入场价 = (旧均价*旧持仓 + 成交价*成交量) / 新持仓；空仓时直接取成交价。
// 卖出：减少持仓（绝不允许为负），已实现盈亏 += (成交价-均价)*成交量；
// 清仓时均价归零。减仓不会重算均价。
func (t *Tracker) ApplyFill(side models.Side, fillPrice, fillSize decimal.Decimal) error {
	if !fillPrice.IsPositive() || !fillSize.IsPositive() {
		return fmt.Errorf("无效的成交数据 [%s]: price=%s size=%s", t.pair, fillPrice, fillSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch side {
	case models.Buy:
		newSize := t.netSize.Add(fillSize)
		if t.netSize.IsZero() {
			t.avgEntry = fillPrice
		} else {
			weighted := t.avgEntry.Mul(t.netSize).Add(fillPrice.Mul(fillSize))
			t.avgEntry = weighted.Div(newSize)
		}
		t.netSize = newSize
		// 新买入恢复有效仓位，粉尘标记随之失效
		t.dustClosed = false

	case models.Sell:
		if fillSize.GreaterThan(t.netSize) {
			return &InvariantViolationError{
				Pair: t.pair, NetSize: t.netSize, SellSize: fillSize, SellPrice: fillPrice,
			}
		}
		t.realized = t.realized.Add(fillPrice.Sub(t.avgEntry).Mul(fillSize))
		t.netSize = t.netSize.Sub(fillSize)
		if t.netSize.IsZero() {
			t.avgEntry = decimal.Zero
			t.dustClosed = false
		}

	default:
		return fmt.Errorf("未知的成交方向 %q", side)
	}
	return nil
}

// MarkDustIfBelow 在持仓市值低于阈值时将仓位标记为粉尘已平。
// 标记是显式可审计的状态：后续的卖出触发会被跳过，
// 而不是提交一笔注定被交易所按最小数量拒绝的订单。
// 返回本次调用后的标记状态。
func (t *Tracker) MarkDustIfBelow(currentPrice, thresholdUSD decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.netSize.IsZero() || t.dustClosed {
		return t.dustClosed
	}
	if t.netSize.Mul(currentPrice).LessThan(thresholdUSD) {
		t.dustClosed = true
	}
	return t.dustClosed
}

// HasOpenPosition 报告是否还有需要处理的多头仓位（粉尘仓位视为已平）
func (t *Tracker) HasOpenPosition() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.netSize.IsPositive() && !t.dustClosed
}

// Snapshot 返回仓位的只读快照
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Pair:              t.pair,
		NetSize:           t.netSize,
		AverageEntryPrice: t.avgEntry,
		RealizedPnL:       t.realized,
		DustClosed:        t.dustClosed,
	}
}

// TakeProfitPrice 返回按均价上浮 percentage% 的止盈价；空仓时返回零值
func (t *Tracker) TakeProfitPrice(percentage decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.netSize.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	return t.avgEntry.Mul(one.Add(percentage.Div(hundred)))
}

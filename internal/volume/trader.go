package volume

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"backpack-grid-bot-go/internal/exchange"
	"backpack-grid-bot-go/internal/idgenerator"
	"backpack-grid-bot-go/internal/models"
	"backpack-grid-bot-go/internal/retry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// sizeScale 是下单数量的小数位数
const sizeScale = 6

// Policies 是刷量模式的各类重试预算
type Policies struct {
	Buy     retry.Policy
	Sell    retry.Policy
	Balance retry.Policy
	Price   retry.Policy
}

// pendingLot 是一笔卖出失败、等待重卖的持仓
type pendingLot struct {
	Pair models.TradingPair
	Size decimal.Decimal
}

// Trader 交替执行买入和卖出以产生成交量。与网格模式互不共享状态，
// 只复用网关和重试策略。
type Trader struct {
	cfg      models.VolumeConfig
	pairs    []models.TradingPair
	gateway  exchange.Gateway
	policies Policies
	logger   *zap.SugaredLogger
	rng      *rand.Rand

	pending []pendingLot
	traded  decimal.Decimal // 累计成交额（计价货币）
}

// NewTrader 构造刷量交易器
func NewTrader(cfg models.VolumeConfig, pairs []models.TradingPair, gw exchange.Gateway, pol Policies, logger *zap.SugaredLogger) *Trader {
	return &Trader{
		cfg:      cfg,
		pairs:    pairs,
		gateway:  gw,
		policies: pol,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// TradedVolume 返回累计成交额
func (t *Trader) TradedVolume() decimal.Decimal {
	return t.traded
}

// Run 循环执行完整的买卖轮次，直到达到目标成交量、余额到达下限
// 或 ctx 取消。退出前清空重卖队列。
func (t *Trader) Run(ctx context.Context) error {
	if len(t.pairs) == 0 {
		return fmt.Errorf("刷量模式至少需要一个交易对")
	}
	needed := decimal.NewFromFloat(t.cfg.NeededVolume)

	for ctx.Err() == nil {
		if needed.IsPositive() && t.traded.GreaterThanOrEqual(needed) {
			t.logger.Infof("已达到目标成交量 %s，停止", needed)
			break
		}

		// 先消化上一轮卖出失败的持仓，不堆积裸露仓位
		t.drainPending(ctx)

		pair := t.pairs[t.rng.Intn(len(t.pairs))]
		if err := t.runCycle(ctx, pair); err != nil {
			if ctx.Err() != nil {
				break
			}
			if err == errBalanceFloor {
				t.logger.Infof("[%s] 余额到达下限 %.2f，停止买入", pair, t.cfg.MinBalanceLeft)
				break
			}
			t.logger.Warnf("[%s] 本轮交易失败: %v", pair, err)
		}

		t.sleepBand(ctx, t.cfg.DealDelay)
	}

	t.drainPending(context.Background())
	t.logger.Infof("刷量结束，累计成交额 %s", t.traded)
	return ctx.Err()
}

var errBalanceFloor = fmt.Errorf("可用余额低于保留下限")

// runCycle 执行一次完整的买入-卖出轮次
func (t *Trader) runCycle(ctx context.Context, pair models.TradingPair) error {
	depth := t.cfg.Depth
	if depth <= 0 {
		depth = 1
	}
	var bid, ask decimal.Decimal
	err := t.policies.Price.Do(ctx, func() error {
		var e error
		bid, ask, e = t.gateway.GetDepth(ctx, pair, depth)
		return e
	})
	if err != nil {
		return fmt.Errorf("查询盘口: %w", err)
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return fmt.Errorf("盘口价格无效: bid=%s ask=%s", bid, ask)
	}

	avail, err := t.quoteBalance(ctx, pair.Quote)
	if err != nil {
		return fmt.Errorf("查询余额: %w", err)
	}

	amount, err := t.tradeAmount(avail)
	if err != nil {
		return err
	}
	size := amount.Div(ask).Round(sizeScale)
	if !size.IsPositive() {
		return errBalanceFloor
	}

	// 买入腿：按卖一价挂限价单
	bought, err := t.executeLeg(ctx, pair, models.Buy, ask, size)
	if err != nil {
		return fmt.Errorf("买入腿: %w", err)
	}
	if !bought.IsPositive() {
		return nil
	}
	t.traded = t.traded.Add(bought.Mul(ask))

	t.sleepBand(ctx, t.cfg.TradeDelay)

	// 卖出腿：按买一价挂限价单；失败的持仓进重卖队列
	sold, err := t.executeLeg(ctx, pair, models.Sell, bid, bought)
	if err != nil || sold.LessThan(bought) {
		remaining := bought.Sub(sold)
		t.logger.Warnf("[%s] 卖出未完成（剩余 %s），入队重卖: %v", pair, remaining, err)
		t.pending = append(t.pending, pendingLot{Pair: pair, Size: remaining})
		return nil
	}
	t.traded = t.traded.Add(sold.Mul(bid))
	return nil
}

// executeLeg 挂单后等待一个交易间隔，按成交量结算；未成交部分撤掉。
// 返回实际成交数量。
func (t *Trader) executeLeg(ctx context.Context, pair models.TradingPair, side models.Side, price, size decimal.Decimal) (decimal.Decimal, error) {
	policy := t.policies.Buy
	if side == models.Sell {
		policy = t.policies.Sell
	}
	clientID := idgenerator.NewClientOrderID("vol")
	var ord *models.Order
	err := policy.Do(ctx, func() error {
		var e error
		ord, e = t.gateway.PlaceOrder(ctx, pair, side, price, size, clientID)
		return e
	})
	if err != nil {
		return decimal.Zero, err
	}

	t.sleepBand(ctx, t.cfg.TradeDelay)

	var latest *models.Order
	err = t.policies.Balance.Do(ctx, func() error {
		var e error
		latest, e = t.gateway.GetOrderStatus(ctx, pair, ord.ID)
		return e
	})
	if err != nil {
		// 状态查不到按全部成交的悲观假设处理没有意义；当作零成交撤单
		_ = t.gateway.CancelOrder(ctx, pair, ord.ID)
		return decimal.Zero, fmt.Errorf("确认订单 %s 状态: %w", ord.ID, err)
	}

	switch latest.Status {
	case models.OrderFilled:
		return t.executedSize(latest, size), nil
	case models.OrderOpen:
		// 没吃完就撤，带走已成交的部分
		if cerr := t.gateway.CancelOrder(ctx, pair, ord.ID); cerr != nil {
			t.logger.Warnf("[%s] 撤销未成交订单 %s 失败: %v", pair, ord.ID, cerr)
		}
		return latest.ExecutedQty, nil
	default:
		return latest.ExecutedQty, nil
	}
}

func (t *Trader) executedSize(ord *models.Order, fallback decimal.Decimal) decimal.Decimal {
	if ord.ExecutedQty.IsPositive() {
		return ord.ExecutedQty
	}
	return fallback
}

// drainPending 逐笔重试卖出队列，卖不掉的留到下一次
func (t *Trader) drainPending(ctx context.Context) {
	if len(t.pending) == 0 {
		return
	}
	remaining := t.pending[:0]
	for _, lot := range t.pending {
		if ctx.Err() != nil {
			remaining = append(remaining, lot)
			continue
		}
		depth := t.cfg.Depth
		if depth <= 0 {
			depth = 1
		}
		var bid decimal.Decimal
		err := t.policies.Price.Do(ctx, func() error {
			var e error
			bid, _, e = t.gateway.GetDepth(ctx, lot.Pair, depth)
			return e
		})
		if err == nil {
			var sold decimal.Decimal
			sold, err = t.executeLeg(ctx, lot.Pair, models.Sell, bid, lot.Size)
			if err == nil && sold.GreaterThanOrEqual(lot.Size) {
				t.traded = t.traded.Add(sold.Mul(bid))
				t.logger.Infof("[%s] 重卖成功: %s", lot.Pair, sold)
				continue
			}
			if sold.IsPositive() {
				t.traded = t.traded.Add(sold.Mul(bid))
				lot.Size = lot.Size.Sub(sold)
			}
		}
		t.logger.Warnf("[%s] 重卖仍未完成（剩余 %s）: %v", lot.Pair, lot.Size, err)
		remaining = append(remaining, lot)
	}
	t.pending = remaining
}

// tradeAmount 计算本轮买入金额（计价货币）。
// 配置了金额区间则随机取值，否则全仓；无论哪种都保留 MinBalanceLeft。
func (t *Trader) tradeAmount(avail decimal.Decimal) (decimal.Decimal, error) {
	floor := decimal.NewFromFloat(t.cfg.MinBalanceLeft)
	spendable := avail.Sub(floor)
	if !spendable.IsPositive() {
		return decimal.Zero, errBalanceFloor
	}

	lo, hi := t.cfg.TradeAmount[0], t.cfg.TradeAmount[1]
	if lo <= 0 && hi <= 0 {
		return spendable, nil
	}
	amount := decimal.NewFromFloat(lo + t.rng.Float64()*(hi-lo))
	if amount.GreaterThan(spendable) {
		amount = spendable
	}
	return amount, nil
}

func (t *Trader) quoteBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var balances map[string]models.Balance
	err := t.policies.Balance.Do(ctx, func() error {
		var e error
		balances, e = t.gateway.GetBalances(ctx)
		return e
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balances[asset].Available, nil
}

// SellAll 把除计价货币外的全部余额按买一价卖出，转换回计价货币。
// 单个资产失败只记录，继续处理其余资产；全部失败才返回错误。
func (t *Trader) SellAll(ctx context.Context, quote string) error {
	var balances map[string]models.Balance
	err := t.policies.Balance.Do(ctx, func() error {
		var e error
		balances, e = t.gateway.GetBalances(ctx)
		return e
	})
	if err != nil {
		return fmt.Errorf("查询余额: %w", err)
	}

	attempted, failed := 0, 0
	for asset, bal := range balances {
		if asset == quote || !bal.Available.IsPositive() {
			continue
		}
		attempted++
		pair := models.TradingPair{Base: asset, Quote: quote}
		depth := t.cfg.Depth
		if depth <= 0 {
			depth = 1
		}
		var bid decimal.Decimal
		err := t.policies.Price.Do(ctx, func() error {
			var e error
			bid, _, e = t.gateway.GetDepth(ctx, pair, depth)
			return e
		})
		if err != nil {
			failed++
			t.logger.Warnf("[%s] 查询盘口失败，跳过: %v", pair, err)
			continue
		}
		size := bal.Available.RoundDown(sizeScale)
		if _, err := t.executeLeg(ctx, pair, models.Sell, bid, size); err != nil {
			failed++
			t.logger.Warnf("[%s] 清仓卖出失败: %v", pair, err)
			continue
		}
		t.logger.Infof("[%s] 已清仓 %s %s", pair, size, asset)
	}
	if attempted > 0 && failed == attempted {
		return fmt.Errorf("全部 %d 个资产清仓失败", attempted)
	}
	return nil
}

// sleepBand 在区间内随机睡一段时间，ctx 取消立即返回
func (t *Trader) sleepBand(ctx context.Context, band [2]float64) {
	lo, hi := band[0], band[1]
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi <= 0 {
		return
	}
	secs := lo + t.rng.Float64()*(hi-lo)
	d := time.Duration(secs * float64(time.Second))
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

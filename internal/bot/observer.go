package bot

import (
	"backpack-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// State 是 worker 状态机的状态
type State string

const (
	StateInitializing  State = "INITIALIZING"
	StatePlanning      State = "PLANNING"
	StateActive        State = "ACTIVE"
	StateRepositioning State = "REPOSITIONING"
	StateErrorBackoff  State = "ERROR_BACKOFF"
	StateStopped       State = "STOPPED"
)

// Observer 接收 worker 的状态迁移和成交事件。worker 的副作用只有两类：
// 通过网关的订单操作，和发给 Observer 的事件——它从不直接碰存储。
type Observer interface {
	OnStateChange(pair models.TradingPair, from, to State)
	OnOrderPlaced(order models.RestingOrder)
	OnOrderCanceled(order models.RestingOrder)
	OnFill(fill models.Fill)
	OnFatal(pair models.TradingPair, err error)
}

// NopObserver 丢弃所有事件，测试用
type NopObserver struct{}

func (NopObserver) OnStateChange(models.TradingPair, State, State) {}
func (NopObserver) OnOrderPlaced(models.RestingOrder)              {}
func (NopObserver) OnOrderCanceled(models.RestingOrder)            {}
func (NopObserver) OnFill(models.Fill)                             {}
func (NopObserver) OnFatal(models.TradingPair, error)              {}

// LogObserver 将事件写入结构化日志
type LogObserver struct {
	Logger *zap.SugaredLogger
}

func (o LogObserver) OnStateChange(pair models.TradingPair, from, to State) {
	o.Logger.Infof("[%s] 状态迁移: %s -> %s", pair, from, to)
}

func (o LogObserver) OnOrderPlaced(order models.RestingOrder) {
	o.Logger.Infof("[%s] 已挂 %s 单: ID %s, 价格 %s, 数量 %s",
		order.Pair, order.Side, order.ExchangeOrderID, order.Price, order.Size)
}

func (o LogObserver) OnOrderCanceled(order models.RestingOrder) {
	o.Logger.Infof("[%s] 已撤单: ID %s (%s @ %s)",
		order.Pair, order.ExchangeOrderID, order.Side, order.Price)
}

func (o LogObserver) OnFill(fill models.Fill) {
	o.Logger.Infof("[%s] 成交: %s %s @ %s (订单 %s)",
		fill.Pair, fill.Side, fill.Size, fill.Price, fill.OrderID)
}

func (o LogObserver) OnFatal(pair models.TradingPair, err error) {
	o.Logger.Errorf("[%s] 致命错误，worker 停机: %v", pair, err)
}

// MultiObserver 将事件扇出给多个下游
type MultiObserver []Observer

func (m MultiObserver) OnStateChange(pair models.TradingPair, from, to State) {
	for _, o := range m {
		o.OnStateChange(pair, from, to)
	}
}

func (m MultiObserver) OnOrderPlaced(order models.RestingOrder) {
	for _, o := range m {
		o.OnOrderPlaced(order)
	}
}

func (m MultiObserver) OnOrderCanceled(order models.RestingOrder) {
	for _, o := range m {
		o.OnOrderCanceled(order)
	}
}

func (m MultiObserver) OnFill(fill models.Fill) {
	for _, o := range m {
		o.OnFill(fill)
	}
}

func (m MultiObserver) OnFatal(pair models.TradingPair, err error) {
	for _, o := range m {
		o.OnFatal(pair, err)
	}
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"backpack-grid-bot-go/internal/bot"
	"backpack-grid-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stateValue 把状态编码成 gauge 值，便于在面板上画状态时间线
var stateValue = map[bot.State]float64{
	bot.StateInitializing:  0,
	bot.StatePlanning:      1,
	bot.StateActive:        2,
	bot.StateRepositioning: 3,
	bot.StateErrorBackoff:  4,
	bot.StateStopped:       5,
}

// Metrics 持有全部指标并实现 bot.Observer
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	fills          *prometheus.CounterVec
	fillVolume     *prometheus.CounterVec
	fatals         *prometheus.CounterVec
	workerState    *prometheus.GaugeVec
}

// New 注册所有指标到独立的 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_placed_total",
			Help: "已提交到交易所的订单数",
		}, []string{"pair", "side"}),
		ordersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_canceled_total",
			Help: "已撤销的订单数",
		}, []string{"pair", "side"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "确认成交的订单数",
		}, []string{"pair", "side"}),
		fillVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_fill_volume_quote_total",
			Help: "按计价货币累计的成交金额",
		}, []string{"pair", "side"}),
		fatals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_worker_fatal_total",
			Help: "worker 致命停机次数",
		}, []string{"pair"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_worker_state",
			Help: "worker 当前状态 (0=INITIALIZING 1=PLANNING 2=ACTIVE 3=REPOSITIONING 4=ERROR_BACKOFF 5=STOPPED)",
		}, []string{"pair"}),
	}
	m.registry.MustRegister(
		m.ordersPlaced, m.ordersCanceled, m.fills, m.fillVolume, m.fatals, m.workerState,
	)
	return m
}

// Handler 返回 /metrics 的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 取消
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (m *Metrics) OnStateChange(pair models.TradingPair, from, to bot.State) {
	m.workerState.WithLabelValues(pair.String()).Set(stateValue[to])
}

func (m *Metrics) OnOrderPlaced(order models.RestingOrder) {
	m.ordersPlaced.WithLabelValues(order.Pair.String(), string(order.Side)).Inc()
}

func (m *Metrics) OnOrderCanceled(order models.RestingOrder) {
	m.ordersCanceled.WithLabelValues(order.Pair.String(), string(order.Side)).Inc()
}

func (m *Metrics) OnFill(fill models.Fill) {
	labels := []string{fill.Pair.String(), string(fill.Side)}
	m.fills.WithLabelValues(labels...).Inc()
	value, _ := fill.Price.Mul(fill.Size).Float64()
	m.fillVolume.WithLabelValues(labels...).Add(value)
}

func (m *Metrics) OnFatal(pair models.TradingPair, err error) {
	m.fatals.WithLabelValues(pair.String()).Inc()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"backpack-grid-bot-go/internal/bot"
	"backpack-grid-bot-go/internal/config"
	"backpack-grid-bot-go/internal/exchange"
	"backpack-grid-bot-go/internal/journal"
	"backpack-grid-bot-go/internal/logger"
	"backpack-grid-bot-go/internal/metrics"
	"backpack-grid-bot-go/internal/models"
	"backpack-grid-bot-go/internal/reporter"
	"backpack-grid-bot-go/internal/retry"
	"backpack-grid-bot-go/internal/volume"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// statusInterval 是状态表打印周期
const statusInterval = time.Minute

func main() {
	configPath := flag.String("config", "config.json", "配置文件路径")
	envPath := flag.String("env", ".env", ".env 文件路径")
	flag.Parse()

	// .env 不存在不算错误，密钥也可以直接来自进程环境
	_ = godotenv.Load(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogConfig)
	log := logger.S()
	defer log.Sync()

	if err := run(cfg); err != nil {
		log.Errorf("退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *models.Config) error {
	log := logger.S()

	accounts, err := config.LoadAccounts(cfg)
	if err != nil {
		return err
	}
	pairs, err := parsePairs(cfg.Pairs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("metrics 服务异常: %v", err)
			}
		}()
		log.Infof("metrics 监听于 %s/metrics", cfg.MetricsAddr)
	}

	observers := bot.MultiObserver{bot.LogObserver{Logger: log}, m}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("打开审计日志: %w", err)
		}
		defer j.Close()
		observers = append(observers, journal.NewObserver(j))
	}

	gateways := make(map[string]exchange.Gateway, len(accounts))
	for _, acc := range accounts {
		gw, err := buildGateway(ctx, cfg, acc, pairs)
		if err != nil {
			return fmt.Errorf("账户 %s 初始化网关: %w", acc.ID(), err)
		}
		gateways[acc.ID()] = gw
	}

	rep := reporter.New(os.Stdout)
	rep.PrintBalances(ctx, gateways)

	switch cfg.Mode {
	case "grid":
		return runGrid(ctx, cfg, pairs, gateways, observers, rep)
	case "volume":
		return runVolume(ctx, cfg, pairs, gateways)
	case "convert":
		return runConvert(ctx, cfg, pairs, gateways)
	default:
		return fmt.Errorf("未知的运行模式 %q", cfg.Mode)
	}
}

func runGrid(ctx context.Context, cfg *models.Config, pairs []models.TradingPair, gateways map[string]exchange.Gateway, obs bot.Observer, rep *reporter.Reporter) error {
	log := logger.S()
	manager := bot.NewManager(log)
	for accID, gw := range gateways {
		for _, pair := range pairs {
			w := bot.NewWorker(workerConfig(cfg, pair), gw, obs, log)
			manager.Add(accID+"/"+pair.String(), w)
		}
	}
	manager.Start(ctx)
	log.Infof("网格模式启动: %d 个账户 × %d 个交易对", len(gateways), len(pairs))

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("收到停止信号，正在撤单并停机...")
			manager.Stop()
			rep.PrintWorkerStatus(manager.Status())
			return nil
		case <-ticker.C:
			rep.PrintWorkerStatus(manager.Status())
		}
	}
}

func runVolume(ctx context.Context, cfg *models.Config, pairs []models.TradingPair, gateways map[string]exchange.Gateway) error {
	log := logger.S()
	pol := volumePolicies(cfg)
	var wg sync.WaitGroup
	for accID, gw := range gateways {
		wg.Add(1)
		go func(accID string, gw exchange.Gateway) {
			defer wg.Done()
			tr := volume.NewTrader(cfg.Volume, pairs, gw, pol, log)
			if err := tr.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("账户 %s 刷量失败: %v", accID, err)
			}
			log.Infof("账户 %s 累计成交额 %s", accID, tr.TradedVolume())
		}(accID, gw)
	}
	wg.Wait()
	return nil
}

// runConvert 把所有账户的非计价货币余额清仓换回计价货币
func runConvert(ctx context.Context, cfg *models.Config, pairs []models.TradingPair, gateways map[string]exchange.Gateway) error {
	log := logger.S()
	quote := pairs[0].Quote
	pol := volumePolicies(cfg)
	var wg sync.WaitGroup
	for accID, gw := range gateways {
		wg.Add(1)
		go func(accID string, gw exchange.Gateway) {
			defer wg.Done()
			tr := volume.NewTrader(cfg.Volume, pairs, gw, pol, log)
			if err := tr.SellAll(ctx, quote); err != nil {
				log.Errorf("账户 %s 清仓失败: %v", accID, err)
				return
			}
			log.Infof("账户 %s 清仓完成", accID)
		}(accID, gw)
	}
	wg.Wait()
	return nil
}

// buildGateway 按配置构造交易所网关，套上并发限流。
// Backpack 额外启动行情推流，降低轮询时的查价延迟。
func buildGateway(ctx context.Context, cfg *models.Config, acc config.Account, pairs []models.TradingPair) (exchange.Gateway, error) {
	var inner exchange.Gateway
	switch cfg.Exchange {
	case "backpack":
		bp, err := exchange.NewBackpackExchange(acc.APIKey, acc.APISecret, cfg.APIURL, cfg.WSURL, acc.Proxy, logger.S())
		if err != nil {
			return nil, err
		}
		if cfg.WSURL != "" {
			bp.StartPriceStream(ctx, pairs)
		}
		inner = bp
	case "binance":
		inner = exchange.NewBinanceExchange(acc.APIKey, acc.APISecret, cfg.APIURL, logger.S())
	default:
		return nil, fmt.Errorf("未知的交易所 %q", cfg.Exchange)
	}

	limit := cfg.MaxConcurrentRequests
	if limit <= 0 {
		limit = 5
	}
	return exchange.Throttle(inner, limit), nil
}

func workerConfig(cfg *models.Config, pair models.TradingPair) bot.WorkerConfig {
	sizing := models.AutoSize()
	if cfg.GridOrderSize != nil {
		sizing = models.FixedSize(decimal.NewFromFloat(*cfg.GridOrderSize))
	}
	return bot.WorkerConfig{
		Pair:                 pair,
		Levels:               cfg.GridLevels,
		Spread:               decimal.NewFromFloat(cfg.GridSpread),
		Sizing:               sizing,
		TakeProfitPct:        decimal.NewFromFloat(cfg.TakeProfitPercentage),
		DriftThresholdRatio:  decimal.NewFromFloat(cfg.DriftThresholdRatio),
		DustThresholdUSD:     decimal.NewFromFloat(cfg.DustThresholdUSD),
		MinOrderSize:         decimal.NewFromFloat(cfg.MinOrderSize),
		PollInterval:         cfg.PollInterval(),
		PlanRetryDelay:       cfg.PlanRetryDelay(),
		ErrorBackoff:         cfg.ErrorBackoff(),
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		Retries: bot.RetrySet{
			Buy:        newPolicy(cfg, "place_buy_order", cfg.MaxBuyRetries),
			Sell:       newPolicy(cfg, "place_sell_order", cfg.MaxSellRetries),
			Balance:    newPolicy(cfg, "balance_query", cfg.MaxBalanceRetries),
			Price:      newPolicy(cfg, "market_price_query", cfg.MaxMarketPriceRetries),
			OrderQuery: newPolicy(cfg, "order_query", cfg.MaxOrderQueryRetries),
		},
	}
}

func volumePolicies(cfg *models.Config) volume.Policies {
	return volume.Policies{
		Buy:     newPolicy(cfg, "place_buy_order", cfg.MaxBuyRetries),
		Sell:    newPolicy(cfg, "place_sell_order", cfg.MaxSellRetries),
		Balance: newPolicy(cfg, "balance_query", cfg.MaxBalanceRetries),
		Price:   newPolicy(cfg, "market_price_query", cfg.MaxMarketPriceRetries),
	}
}

func newPolicy(cfg *models.Config, op string, attempts int) retry.Policy {
	return retry.Policy{
		Op:          op,
		MaxAttempts: attempts,
		DelayMin:    time.Duration(cfg.RetryDelayMinSec * float64(time.Second)),
		DelayMax:    time.Duration(cfg.RetryDelayMaxSec * float64(time.Second)),
	}
}

func parsePairs(symbols []string) ([]models.TradingPair, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("至少需要配置一个交易对")
	}
	pairs := make([]models.TradingPair, 0, len(symbols))
	for _, s := range symbols {
		pair, err := models.ParsePair(s)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

package models

import "time"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Mode     string `json:"mode"`     // 运行模式: "grid", "volume" 或 "convert"
	Exchange string `json:"exchange"` // 交易所: "backpack" 或 "binance"

	APIURL string `json:"api_url"` // REST API基础地址
	WSURL  string `json:"ws_url"`  // WebSocket基础地址

	AccountsFile string `json:"accounts_file"` // 账户文件路径，每行 "key:secret"
	ProxiesFile  string `json:"proxies_file"`  // 代理文件路径，可为空

	Pairs []string `json:"pairs"` // 交易对列表，如 ["SOL_USDC"]

	// 网格参数
	GridLevels           int      `json:"grid_levels"`            // 每侧的网格档数
	GridSpread           float64  `json:"grid_spread"`            // 相邻档位的价差比例 (1% = 0.01)
	GridOrderSize        *float64 `json:"grid_order_size"`        // 每档下单量（基础货币），null 表示按余额自动计算
	TakeProfitPercentage float64  `json:"take_profit_percentage"` // 止盈百分比
	DriftThresholdRatio  float64  `json:"drift_threshold_ratio"`  // 偏移阈值，相对 spread*levels 的比例
	DustThresholdUSD     float64  `json:"dust_threshold_usd"`     // 粉尘仓位阈值（美元）
	MinOrderSize         float64  `json:"min_order_size"`         // 交易所最小下单量（基础货币）

	// 重试预算，按操作类别区分
	MaxBuyRetries         int     `json:"max_buy_retries"`
	MaxSellRetries        int     `json:"max_sell_retries"`
	MaxBalanceRetries     int     `json:"max_balance_retries"`
	MaxMarketPriceRetries int     `json:"max_market_price_retries"`
	MaxOrderQueryRetries  int     `json:"max_order_query_retries"` // 订单状态/成交历史查询

	RetryDelayMinSec      float64 `json:"retry_delay_min"` // 重试间隔下限（秒）
	RetryDelayMaxSec      float64 `json:"retry_delay_max"` // 重试间隔上限（秒）

	// Worker 行为
	PollIntervalSec       float64 `json:"poll_interval_sec"`       // 对账轮询间隔（秒）
	PlanRetryDelaySec     float64 `json:"plan_retry_delay_sec"`    // 余额不足时重新规划的等待（秒）
	ErrorBackoffSec       float64 `json:"error_backoff_sec"`       // ERROR_BACKOFF 冷却时长（秒）
	MaxConsecutiveErrors  int     `json:"max_consecutive_errors"`  // 连续进入 ERROR_BACKOFF 的上限，超过即停止
	MaxConcurrentRequests int     `json:"max_concurrent_requests"` // 同时在途交易所请求的上限

	// 刷量模式参数
	Volume VolumeConfig `json:"volume"`

	MetricsAddr string    `json:"metrics_addr"` // Prometheus 监听地址，空则不启动
	JournalPath string    `json:"journal_path"` // badger 审计日志目录，空则不记录
	LogConfig   LogConfig `json:"log"`
}

// VolumeConfig 定义了刷量模式的参数
type VolumeConfig struct {
	TradeDelay     [2]float64 `json:"trade_delay"`         // 单笔买/卖之间的随机延迟区间（秒）
	DealDelay      [2]float64 `json:"deal_delay"`          // 完整一轮之间的随机延迟区间（秒）
	NeededVolume   float64    `json:"needed_volume"`       // 目标成交量（美元），0 表示不限
	MinBalanceLeft float64    `json:"min_balance_to_left"` // 余额下限（美元），低于则停止买入
	TradeAmount    [2]float64 `json:"trade_amount"`        // 单笔金额随机区间（美元），[0,0] 表示全仓
	Depth          int        `json:"depth"`               // 盘口取价深度
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// PollInterval 返回对账轮询间隔，未配置时给出默认值
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PollIntervalSec * float64(time.Second))
}

// PlanRetryDelay 返回余额不足后重新规划的等待时长
func (c *Config) PlanRetryDelay() time.Duration {
	if c.PlanRetryDelaySec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PlanRetryDelaySec * float64(time.Second))
}

// ErrorBackoff 返回 ERROR_BACKOFF 状态的冷却时长
func (c *Config) ErrorBackoff() time.Duration {
	if c.ErrorBackoffSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ErrorBackoffSec * float64(time.Second))
}

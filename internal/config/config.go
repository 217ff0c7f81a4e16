package config

import (
	"backpack-grid-bot-go/internal/models"
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Load 从指定路径加载JSON配置文件并解析到Config结构体中
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &models.Config{}
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查配置取值是否自洽
func Validate(cfg *models.Config) error {
	switch cfg.Mode {
	case "grid", "volume", "convert":
	default:
		return fmt.Errorf("未知的运行模式: %q，应为 grid/volume/convert", cfg.Mode)
	}
	switch cfg.Exchange {
	case "", "backpack", "binance":
	default:
		return fmt.Errorf("未知的交易所: %q", cfg.Exchange)
	}
	if cfg.Mode == "grid" {
		if len(cfg.Pairs) == 0 {
			return fmt.Errorf("网格模式至少需要一个交易对")
		}
		if cfg.GridLevels <= 0 {
			return fmt.Errorf("grid_levels 必须大于0")
		}
		if cfg.GridSpread <= 0 || cfg.GridSpread >= 1 {
			return fmt.Errorf("grid_spread 必须在 (0, 1) 区间内")
		}
		if cfg.GridOrderSize != nil && *cfg.GridOrderSize <= 0 {
			return fmt.Errorf("grid_order_size 必须大于0，或置为 null 自动计算")
		}
		if cfg.TakeProfitPercentage <= 0 {
			return fmt.Errorf("take_profit_percentage 必须大于0")
		}
	}
	if cfg.RetryDelayMinSec < 0 || cfg.RetryDelayMaxSec < cfg.RetryDelayMinSec {
		return fmt.Errorf("重试延迟区间无效: [%v, %v]", cfg.RetryDelayMinSec, cfg.RetryDelayMaxSec)
	}
	return nil
}

// Credentials 保存单个账户的API密钥，可来自环境变量或账户文件
type Credentials struct {
	APIKey    string `envconfig:"BACKPACK_API_KEY"`
	APISecret string `envconfig:"BACKPACK_API_SECRET"`
	Proxy     string `envconfig:"BACKPACK_PROXY"`
}

// Account 将一组密钥与可选代理绑定
type Account struct {
	APIKey    string
	APISecret string
	Proxy     string
}

// ID 返回脱敏后的账户标识，用于日志
func (a Account) ID() string {
	if len(a.APIKey) <= 12 {
		return a.APIKey
	}
	return a.APIKey[:12] + "..."
}

// LoadAccounts 加载交易账户。优先读取账户文件（每行 "key:secret"），
// 与代理文件逐行配对；文件未配置时回退到环境变量中的单账户。
func LoadAccounts(cfg *models.Config) ([]Account, error) {
	if cfg.AccountsFile != "" {
		lines, err := readLines(cfg.AccountsFile)
		if err != nil {
			return nil, fmt.Errorf("读取账户文件失败: %w", err)
		}
		var proxies []string
		if cfg.ProxiesFile != "" {
			if proxies, err = readLines(cfg.ProxiesFile); err != nil {
				return nil, fmt.Errorf("读取代理文件失败: %w", err)
			}
		}

		accounts := make([]Account, 0, len(lines))
		for i, line := range lines {
			key, secret, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("账户文件第 %d 行格式错误，应为 key:secret", i+1)
			}
			acc := Account{APIKey: strings.TrimSpace(key), APISecret: strings.TrimSpace(secret)}
			if i < len(proxies) {
				acc.Proxy = proxies[i]
			}
			accounts = append(accounts, acc)
		}
		if len(accounts) == 0 {
			return nil, fmt.Errorf("账户文件 %s 中没有账户", cfg.AccountsFile)
		}
		return accounts, nil
	}

	var creds Credentials
	if err := envconfig.Process("", &creds); err != nil {
		return nil, err
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("未配置账户：请设置 accounts_file 或 BACKPACK_API_KEY/BACKPACK_API_SECRET")
	}
	return []Account{{APIKey: creds.APIKey, APISecret: creds.APISecret, Proxy: creds.Proxy}}, nil
}

// readLines 读取文件的非空行，忽略 # 开头的注释
func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

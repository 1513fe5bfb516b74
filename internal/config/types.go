package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Watchlist []WatchConfig   `mapstructure:"watchlist"`
	Streamer  AdapterConfig   `mapstructure:"streamer"`
	Broker    AdapterConfig   `mapstructure:"broker"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Paper     PaperConfig     `mapstructure:"paper"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Advisor   AdvisorConfig   `mapstructure:"advisor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// WatchConfig 描述观察列表中的一个标的及其请求的采样周期。
type WatchConfig struct {
	Symbol    string   `mapstructure:"symbol"`
	Intervals []string `mapstructure:"intervals"`
}

// AdapterConfig 选择数据源或执行端的适配器实现。
type AdapterConfig struct {
	Kind string `mapstructure:"kind"`
}

// ExchangeConfig 描述 ccxt 交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PaperConfig 控制模拟经纪商的初始资金与手续费。
type PaperConfig struct {
	Cash          float64 `mapstructure:"cash"`
	CommissionFee float64 `mapstructure:"commission_fee"`
	CommissionPct float64 `mapstructure:"commission_pct"`
}

// SyncConfig 控制同步缓冲行为。
type SyncConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// AdvisorConfig 描述大模型顾问算法的调用参数。
type AdvisorConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制启动期的历史数据预载。
type SchedulerConfig struct {
	PreloadBars int `mapstructure:"preload_bars"`
}

var validAdapterKinds = map[string]struct{}{
	"dummy": {},
	"paper": {},
	"ccxt":  {},
}

// Validate 对配置进行基本校验，启动期一次性暴露全部配置错误。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if len(c.Watchlist) == 0 {
		err = multierr.Append(err, errors.New("watchlist 至少包含一个标的"))
	}
	for i, w := range c.Watchlist {
		if strings.TrimSpace(w.Symbol) == "" {
			err = multierr.Append(err, fmt.Errorf("watchlist[%d].symbol 不能为空", i))
		}
		if len(w.Intervals) == 0 {
			err = multierr.Append(err, fmt.Errorf("watchlist[%d].intervals 至少包含一个周期", i))
		}
	}

	if _, ok := validAdapterKinds[c.Streamer.Kind]; !ok {
		err = multierr.Append(err, fmt.Errorf("streamer.kind 取值非法: %q", c.Streamer.Kind))
	}
	if _, ok := validAdapterKinds[c.Broker.Kind]; !ok {
		err = multierr.Append(err, fmt.Errorf("broker.kind 取值非法: %q", c.Broker.Kind))
	}

	if c.Streamer.Kind == "ccxt" || c.Broker.Kind == "ccxt" {
		if c.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("exchange.name 不能为空"))
		}
		if c.Exchange.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
		}
		if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
		}
		if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
		}
	}

	if c.Broker.Kind == "paper" {
		if c.Paper.Cash <= 0 {
			err = multierr.Append(err, errors.New("paper.cash 必须大于0"))
		}
		if c.Paper.CommissionFee < 0 {
			err = multierr.Append(err, errors.New("paper.commission_fee 不能为负"))
		}
		if c.Paper.CommissionPct < 0 || c.Paper.CommissionPct > 0.2 {
			err = multierr.Append(err, errors.New("paper.commission_pct 应位于[0,0.2]"))
		}
	}

	if c.Sync.Timeout < 0 {
		err = multierr.Append(err, errors.New("sync.timeout 不能为负"))
	}

	if c.Advisor.Enabled {
		if c.Advisor.APIKey == "" {
			err = multierr.Append(err, errors.New("advisor.api_key 不能为空"))
		}
		if c.Advisor.Model == "" {
			err = multierr.Append(err, errors.New("advisor.model 不能为空"))
		}
		if c.Advisor.Timeout <= 0 {
			err = multierr.Append(err, errors.New("advisor.timeout 必须大于0"))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.PreloadBars < 0 {
		err = multierr.Append(err, errors.New("scheduler.preload_bars 不能为负"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	xerrors "TrustClaw/internal/errors"
)

// Config 描述了 TrustClaw 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Registry  RegistryConfig  `json:"registry"`
	Sentinel  SentinelConfig  `json:"sentinel"`
	Publisher PublisherConfig `json:"publisher"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述投递台账的持久化后端。
type StorageConfig struct {
	Ledger LedgerStoreConfig `json:"ledger"`
}

// LedgerStoreConfig 支持 memory（测试）与 mysql（生产）两种驱动。
type LedgerStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述事件队列的驱动与连接信息。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RegistryConfig 包含访问身份注册表所需的链信息与轮询参数。
type RegistryConfig struct {
	Network        string `json:"network"`
	ChainConfig    string `json:"chain_config"`
	PollInterval   int    `json:"poll_interval_seconds"`
	LookbackBlocks uint64 `json:"lookback_blocks"`
	RescanBlocks   uint64 `json:"rescan_blocks"`
	RequestTimeout int    `json:"request_timeout_seconds"`
}

// SentinelConfig 控制信号过滤与流水线的行为。
type SentinelConfig struct {
	TrustThreshold int      `json:"trust_threshold"`
	Dimensions     []string `json:"dimensions"`
	MaxRetries     int      `json:"max_retries"`
}

// PublisherConfig 描述公告的投递渠道。
type PublisherConfig struct {
	Driver     string `json:"driver"`
	Endpoint   string `json:"endpoint"`
	TokenEnv   string `json:"token_env"`
	MaxPerHour int    `json:"max_per_hour"`
	DryRun     bool   `json:"dry_run"`
}

// LoggingConfig 透传给 pkg/logger。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// DefaultDimensions 是多维信誉评分的默认维度集合。
// 维度集合属于配置而非硬编码，不同部署可以替换。
var DefaultDimensions = []string{"quality", "reliability", "speed", "safety", "alignment"}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		// 单 worker 保证事件按 (block_height, log_index) 顺序进入下游。
		c.Queue.Worker = 1
	}

	if c.Registry.Network == "" {
		c.Registry.Network = "mainnet"
	}
	if c.Registry.ChainConfig == "" {
		c.Registry.ChainConfig = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Registry.ChainConfig) {
		c.Registry.ChainConfig = filepath.Join(baseDir, c.Registry.ChainConfig)
	}
	if c.Registry.PollInterval <= 0 {
		c.Registry.PollInterval = 60
	}
	if c.Registry.LookbackBlocks == 0 {
		c.Registry.LookbackBlocks = 1000
	}
	if c.Registry.RescanBlocks == 0 {
		c.Registry.RescanBlocks = 12
	}
	if c.Registry.RequestTimeout <= 0 {
		c.Registry.RequestTimeout = 15
	}

	if c.Sentinel.TrustThreshold == 0 {
		c.Sentinel.TrustThreshold = 60
	}
	if len(c.Sentinel.Dimensions) == 0 {
		c.Sentinel.Dimensions = append([]string(nil), DefaultDimensions...)
	}
	if c.Sentinel.MaxRetries <= 0 {
		c.Sentinel.MaxRetries = 3
	}

	if c.Publisher.Driver == "" {
		c.Publisher.Driver = "log"
	}
	if c.Publisher.MaxPerHour <= 0 {
		c.Publisher.MaxPerHour = 10
	}
}

// Validate 校验配置的完整性。配置错误属于启动期致命错误。
func (c *Config) Validate() error {
	if c.Sentinel.TrustThreshold < 0 || c.Sentinel.TrustThreshold > 100 {
		return xerrors.New(xerrors.CodeConfigInvalid, "trust_threshold 必须位于 [0,100]")
	}
	for _, dim := range c.Sentinel.Dimensions {
		if strings.TrimSpace(dim) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "dimensions 不能包含空维度名")
		}
	}
	switch c.Storage.Ledger.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Ledger.DSN) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "mysql 台账驱动需要配置 dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("未知的台账驱动: %s", c.Storage.Ledger.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "redis 队列驱动需要配置 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "rabbitmq 队列驱动需要配置 url")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("未知的队列驱动: %s", c.Queue.Driver))
	}
	switch c.Publisher.Driver {
	case "log":
	case "webhook":
		if strings.TrimSpace(c.Publisher.Endpoint) == "" && !c.Publisher.DryRun {
			return xerrors.New(xerrors.CodeConfigInvalid, "webhook 投递渠道需要配置 endpoint（或开启 dry_run）")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("未知的投递渠道: %s", c.Publisher.Driver))
	}
	return nil
}

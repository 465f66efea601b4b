package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 agentmeshd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	EventBus EventBusConfig `json:"event_bus"`
	Ledger   LedgerConfig   `json:"ledger"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述记录存储后端的连接信息。
type StorageConfig struct {
	MeshStore MeshStoreConfig `json:"mesh_store"`
}

// MeshStoreConfig 选择记录存储驱动，memory 主要用于测试。
type MeshStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventBusConfig 选择通知事件的投递通道。
type EventBusConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件通道的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	List     string `json:"list"`
}

// RabbitMQConfig 描述 RabbitMQ 事件通道的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LedgerConfig 选择资金托管所使用的价值账本。
type LedgerConfig struct {
	Driver         string `json:"driver"`
	RPCURL         string `json:"rpc_url"`
	Custody        string `json:"custody_contract"`
	ChainID        int64  `json:"chain_id"`
	OperatorKeyEnv string `json:"operator_key_env"`
	Definitions    string `json:"definitions"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

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

	if c.Storage.MeshStore.Driver == "" {
		c.Storage.MeshStore.Driver = "memory"
	}

	if c.EventBus.Driver == "" {
		c.EventBus.Driver = "memory"
	}
	if c.EventBus.Redis.List == "" {
		c.EventBus.Redis.List = "agentmesh:events"
	}
	if c.EventBus.RabbitMQ.Queue == "" {
		c.EventBus.RabbitMQ.Queue = "agentmesh.events"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Definitions != "" && !filepath.IsAbs(c.Ledger.Definitions) {
		c.Ledger.Definitions = filepath.Join(baseDir, c.Ledger.Definitions)
	}
	if c.Ledger.OperatorKeyEnv == "" {
		c.Ledger.OperatorKeyEnv = "AGENTMESH_OPERATOR_KEY"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config 描述了 Pawmise 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Agent     AgentConfig     `json:"agent"`
	Toolkit   ToolkitConfig   `json:"toolkit"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" env:"PAWMISE_ADDRESS"`
}

// StorageConfig 统一描述宠物档案、会话与任务状态的存储后端。
type StorageConfig struct {
	Pets     PetStoreConfig     `json:"pets"`
	Sessions SessionStoreConfig `json:"sessions"`
	Tasks    TaskStoreConfig    `json:"tasks"`
}

// PetStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type PetStoreConfig struct {
	Driver                 string `json:"driver" env:"PETS_DRIVER"`
	DSN                    string `json:"dsn" env:"PETS_DSN"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	CASRetries             int    `json:"cas_retries"`
}

// SessionStoreConfig 描述会话缓存，支持 memory 与 redis。
type SessionStoreConfig struct {
	Driver               string      `json:"driver" env:"SESSIONS_DRIVER"`
	IdleTimeoutSeconds   int         `json:"idle_timeout_seconds"`
	SweepIntervalSeconds int         `json:"sweep_interval_seconds"`
	Redis                RedisConfig `json:"redis"`
}

// RedisConfig 为会话缓存、任务队列与失效广播共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// TaskStoreConfig 描述成长任务状态的持久化方式。
type TaskStoreConfig struct {
	Driver  string `json:"driver" env:"TASKS_DRIVER"`
	DSN     string `json:"dsn" env:"TASKS_DSN"`
	Retries int    `json:"retries"`
}

// TaskQueueConfig 描述成长任务的投递方式。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" env:"TASK_QUEUE_DRIVER"`
	Worker   int            `json:"worker"`
	Redis    RedisQueue     `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 描述基于 Redis list 的任务队列。
type RedisQueue struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" env:"RABBITMQ_URL"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" env:"LLM_PROVIDER"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" env:"OPENAI_API_KEY"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url" env:"OPENAI_BASE_URL"`
	Model          string `json:"model" env:"OPENAI_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 HTTP 请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与合约定义。
type Web3Config struct {
	RPCURL       string `json:"rpc_url" env:"RPC_URL"`
	ChainID      int64  `json:"chain_id" env:"CHAIN_ID"`
	ChainConfig  string `json:"chain_config" env:"CHAIN_CONFIG"`
	DefaultChain string `json:"default_chain"`
}

// AgentConfig 控制对话智能体的步数预算。
type AgentConfig struct {
	MaxSteps          int `json:"max_steps"`
	EmergencyMaxSteps int `json:"emergency_max_steps"`
	LLMTimeoutSeconds int `json:"llm_timeout_seconds"`
	// PromptTemplate 是自定义系统提示词模板（text/template）的文件路径，为空时使用内置模板。
	PromptTemplate string `json:"prompt_template" env:"AGENT_PROMPT_TEMPLATE"`
}

// LLMTimeout 返回单次推理的超时时间，0 表示不限制。
func (c AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// ToolkitConfig 描述工具调用的服务端校验策略。
type ToolkitConfig struct {
	MaxAmount           string `json:"max_amount" env:"TOOLKIT_MAX_AMOUNT"`
	OwnerOnlyRecipients *bool  `json:"owner_only_recipients"`
}

// SecurityConfig 保存密钥加密所需的口令。
type SecurityConfig struct {
	EncryptionPassphrase string `json:"encryption_passphrase" env:"ENCRYPTION_PASSPHRASE"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" env:"LOG_LEVEL"`
	Format      string      `json:"format" env:"LOG_FORMAT"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" env:"ALERT_WEBHOOK_URL"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 依次读取 .env、JSON 配置文件与环境变量，path 为空时仅使用环境变量。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)

	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := json.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Pets.Driver == "" {
		c.Storage.Pets.Driver = "memory"
	}
	if c.Storage.Pets.CASRetries <= 0 {
		c.Storage.Pets.CASRetries = 5
	}

	if c.Storage.Sessions.Driver == "" {
		c.Storage.Sessions.Driver = "memory"
	}
	if c.Storage.Sessions.IdleTimeoutSeconds <= 0 {
		c.Storage.Sessions.IdleTimeoutSeconds = 30 * 60
	}
	if c.Storage.Sessions.SweepIntervalSeconds <= 0 {
		c.Storage.Sessions.SweepIntervalSeconds = 10 * 60
	}
	if c.Storage.Sessions.Redis.Prefix == "" {
		c.Storage.Sessions.Redis.Prefix = "pawmise"
	}

	if c.Storage.Tasks.Driver == "" {
		c.Storage.Tasks.Driver = "memory"
	}
	if c.Storage.Tasks.Retries <= 0 {
		c.Storage.Tasks.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}

	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 1337
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 10
	}
	if c.Agent.EmergencyMaxSteps <= 0 {
		c.Agent.EmergencyMaxSteps = 2 * c.Agent.MaxSteps
	}

	if c.Toolkit.MaxAmount == "" {
		c.Toolkit.MaxAmount = "1000000"
	}
	if c.Toolkit.OwnerOnlyRecipients == nil {
		ownerOnly := true
		c.Toolkit.OwnerOnlyRecipients = &ownerOnly
	}

	if c.Security.EncryptionPassphrase == "" {
		c.Security.EncryptionPassphrase = "pawmise"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

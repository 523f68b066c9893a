package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"agent-core/pkg/logger"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀。
const EnvPrefix = "AGENTCORE"

// Config 描述了 agent-core 在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `json:"server" mapstructure:"server"`
	Logging       logger.Config       `json:"logging" mapstructure:"logging"`
	Policy        PolicyConfig        `json:"policy" mapstructure:"policy"`
	RateLimit     RateLimitConfig     `json:"rate_limit" mapstructure:"rate_limit"`
	LLM           LLMConfig           `json:"llm" mapstructure:"llm"`
	Executor      ExecutorConfig      `json:"executor" mapstructure:"executor"`
	Conversation  ConversationConfig  `json:"conversation" mapstructure:"conversation"`
	Intent        IntentConfig        `json:"intent" mapstructure:"intent"`
	Planner       PlannerConfig       `json:"planner" mapstructure:"planner"`
	TaskQueue     TaskQueueConfig     `json:"task_queue" mapstructure:"task_queue"`
	Storage       StorageConfig       `json:"storage" mapstructure:"storage"`
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`
	Runtime       RuntimeConfig       `json:"runtime" mapstructure:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与入口限流。
type ServerConfig struct {
	Address        string        `json:"address" mapstructure:"address"`
	ReadTimeout    time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	// IngressRPS 为单个用户每秒允许的请求数，0 表示不限流。
	IngressRPS   float64 `json:"ingress_rps" mapstructure:"ingress_rps"`
	IngressBurst int     `json:"ingress_burst" mapstructure:"ingress_burst"`
}

// PolicyConfig 指定工具目录与意图规则文件的位置。
type PolicyConfig struct {
	ToolsPath   string `json:"tools_path" mapstructure:"tools_path"`
	IntentsPath string `json:"intents_path" mapstructure:"intents_path"`
}

// RateLimitConfig 描述按用户与工具计数的限流器。
type RateLimitConfig struct {
	Driver       string        `json:"driver" mapstructure:"driver"`
	FailOpen     bool          `json:"fail_open" mapstructure:"fail_open"`
	DefaultLimit string        `json:"default_limit" mapstructure:"default_limit"`
	StoreTimeout time.Duration `json:"store_timeout" mapstructure:"store_timeout"`
	Redis        RedisConfig   `json:"redis" mapstructure:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" mapstructure:"address"`
	Password string `json:"-" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" mapstructure:"provider"`
	OpenAI   OpenAIConfig `json:"openai" mapstructure:"openai"`
}

// OpenAIConfig 描述兼容 OpenAI 协议的推理服务。
type OpenAIConfig struct {
	APIKey         string        `json:"-" mapstructure:"api_key"`
	APIKeyEnv      string        `json:"api_key_env" mapstructure:"api_key_env"`
	BaseURL        string        `json:"base_url" mapstructure:"base_url"`
	Model          string        `json:"model" mapstructure:"model"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffInitial time.Duration `json:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
}

// ExecutorConfig 描述两个工具执行端点。
type ExecutorConfig struct {
	WebURL  string        `json:"web_url" mapstructure:"web_url"`
	ToolURL string        `json:"tool_url" mapstructure:"tool_url"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ConversationConfig 控制会话状态的生命周期。
type ConversationConfig struct {
	PendingTTL    time.Duration `json:"pending_ttl" mapstructure:"pending_ttl"`
	IdleTimeout   time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	HistoryLimit  int           `json:"history_limit" mapstructure:"history_limit"`
	SweepSpec     string        `json:"sweep_spec" mapstructure:"sweep_spec"`
	SummaryTokens int           `json:"summary_tokens" mapstructure:"summary_tokens"`
}

// IntentConfig 控制意图分类。
type IntentConfig struct {
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
}

// PlannerConfig 控制计划生成。
type PlannerConfig struct {
	MaxActions int `json:"max_actions" mapstructure:"max_actions"`
}

// TaskQueueConfig 描述异步轮次任务的队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" mapstructure:"driver"`
	Workers  int            `json:"workers" mapstructure:"workers"`
	Redis    RedisQueue     `json:"redis" mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" mapstructure:"rabbitmq"`
}

// RedisQueue 描述 Redis list 队列。
type RedisQueue struct {
	RedisConfig `mapstructure:",squash"`
	Queue       string        `json:"queue" mapstructure:"queue"`
	BlockWait   time.Duration `json:"block_wait" mapstructure:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"-" mapstructure:"url"`
	Queue      string `json:"queue" mapstructure:"queue"`
	Prefetch   int    `json:"prefetch" mapstructure:"prefetch"`
	Durable    bool   `json:"durable" mapstructure:"durable"`
	AutoDelete bool   `json:"auto_delete" mapstructure:"auto_delete"`
}

// StorageConfig 统一描述任务状态与会话归档的存储后端。
type StorageConfig struct {
	TaskStore  DatabaseConfig `json:"task_store" mapstructure:"task_store"`
	Transcript DatabaseConfig `json:"transcript" mapstructure:"transcript"`
}

// DatabaseConfig 描述一个可切换驱动的存储。
type DatabaseConfig struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	DSN             string        `json:"-" mapstructure:"dsn"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// ObservabilityConfig 控制独立指标端口与告警渠道。
type ObservabilityConfig struct {
	// MetricsAddress 非空时在独立端口暴露 /metrics，API 端口上的 /metrics 始终可用。
	MetricsAddress string         `json:"metrics_address" mapstructure:"metrics_address"`
	Alerting       AlertingConfig `json:"alerting" mapstructure:"alerting"`
}

// AlertingConfig 描述异步任务终态失败时的告警去向。
type AlertingConfig struct {
	WebhookURL string        `json:"-" mapstructure:"webhook_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加 .env 与环境变量。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	baseDir := filepath.Dir(path)

	// 先加载 .env，使其中的变量参与后续覆盖。
	for _, candidate := range []string{filepath.Join(baseDir, ".env"), ".env"} {
		if err := godotenv.Load(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("加载 %s 失败: %w", candidate, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，主要用于测试与命令行工具。
func Default(baseDir string) *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.applyDefaults(baseDir)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8002")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.request_timeout", "90s")
	v.SetDefault("server.ingress_rps", 5.0)
	v.SetDefault("server.ingress_burst", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("rate_limit.driver", "memory")
	v.SetDefault("rate_limit.fail_open", true)
	v.SetDefault("rate_limit.default_limit", "20/minute")
	v.SetDefault("rate_limit.store_timeout", "500ms")
	v.SetDefault("rate_limit.redis.db", 1)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.openai.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.timeout", "30s")
	v.SetDefault("llm.openai.max_attempts", 3)
	v.SetDefault("llm.openai.backoff_initial", "1s")
	v.SetDefault("llm.openai.backoff_max", "10s")
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("conversation.pending_ttl", "5m")
	v.SetDefault("conversation.idle_timeout", "30m")
	v.SetDefault("conversation.history_limit", 10)
	v.SetDefault("conversation.sweep_spec", "@every 1m")
	v.SetDefault("conversation.summary_tokens", 512)
	v.SetDefault("intent.threshold", 0.7)
	v.SetDefault("planner.max_actions", 5)
	v.SetDefault("task_queue.driver", "memory")
	v.SetDefault("task_queue.workers", 4)
	v.SetDefault("storage.task_store.driver", "memory")
	v.SetDefault("storage.task_store.max_retries", 3)
	v.SetDefault("storage.transcript.driver", "memory")
	// 仅在环境变量中出现的键也需要登记，否则 Unmarshal 读不到覆盖值。
	for _, key := range []string{
		"llm.openai.api_key", "llm.openai.base_url",
		"rate_limit.redis.address", "rate_limit.redis.password",
		"executor.web_url", "executor.tool_url",
		"task_queue.redis.address", "task_queue.redis.password", "task_queue.rabbitmq.url",
		"storage.task_store.dsn", "storage.transcript.dsn",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("observability.metrics_address", "")
	v.SetDefault("observability.alerting.webhook_url", "")
	v.SetDefault("observability.alerting.timeout", "5s")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径解析到配置目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Policy.ToolsPath == "" {
		c.Policy.ToolsPath = "tools.yaml"
	}
	if c.Policy.IntentsPath == "" {
		c.Policy.IntentsPath = "intents.yaml"
	}
	c.Policy.ToolsPath = resolve(baseDir, c.Policy.ToolsPath)
	c.Policy.IntentsPath = resolve(baseDir, c.Policy.IntentsPath)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.APIKeyEnv != "" {
		c.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv))
	}

	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 1
	}
	if c.Planner.MaxActions <= 0 {
		c.Planner.MaxActions = 5
	}
	if c.Conversation.HistoryLimit <= 0 {
		c.Conversation.HistoryLimit = 10
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

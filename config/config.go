package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Queue        QueueConfig        `mapstructure:"queue"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Moderation   ModerationConfig   `mapstructure:"moderation"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Line         LineConfig         `mapstructure:"line"`
	Billing      BillingConfig      `mapstructure:"billing"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Retention    RetentionConfig    `mapstructure:"retention"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type QueueConfig struct {
	WebhookQueue string `mapstructure:"webhook_queue"`
	MaxWorkers   int    `mapstructure:"max_workers"`
	BatchSize    int    `mapstructure:"batch_size"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type SubscriptionConfig struct {
	Levels map[string]SubscriptionLevel `mapstructure:"levels"`
}

type SubscriptionLevel struct {
	DailyConversations int     `mapstructure:"daily_conversations"`
	MaxPersonas        int     `mapstructure:"max_personas"`
	LineIntegration    bool    `mapstructure:"line_integration"`
	Price              float64 `mapstructure:"price"`
}

// LedgerConfig 日切相关配置
type LedgerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Location 解析日切时区，解析失败时回退到 Asia/Tokyo
func (c LedgerConfig) Location() *time.Location {
	name := c.Timezone
	if name == "" {
		name = "Asia/Tokyo"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}

type ModerationConfig struct {
	// 是否把人格的附加禁忌话题并入过滤器（默认关闭，仅用于提示词）
	MergePersonaTerms bool `mapstructure:"merge_persona_terms"`
}

type LLMConfig struct {
	MaxTokens int                 `mapstructure:"max_tokens"`
	Providers []LLMProviderConfig `mapstructure:"providers"`
}

// LLMProviderConfig 按顺序排列，越靠前优先级越高
type LLMProviderConfig struct {
	Name        string        `mapstructure:"name"`
	Kind        string        `mapstructure:"kind"` // openai, groq, gemini, anthropic
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Cost        string        `mapstructure:"cost"`
	DailyLimit  string        `mapstructure:"daily_limit"`
}

// LINE 渠道的固定回复
const (
	DefaultLineBusyMessage  = "ごめんなさい、今は応答できません。しばらくしてから再度お試しください。"
	DefaultLineQuotaMessage = "本日の会話回数の上限に達しました。また明日お話ししましょう。"
)

type LineConfig struct {
	APIBaseURL   string        `mapstructure:"api_base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DedupeTTL    time.Duration `mapstructure:"dedupe_ttl"`
	BusyMessage  string        `mapstructure:"busy_message"`
	QuotaMessage string        `mapstructure:"quota_message"`
}

type BillingConfig struct {
	StripeSecretKey     string `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

type RetentionConfig struct {
	UsageLogDays int `mapstructure:"usage_log_days"`
}

func Load(configPath string) (*Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	// 检查 config.local.yaml 是否存在
	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("queue.webhook_queue", "line_webhook_events")
	v.SetDefault("queue.max_workers", 4)
	v.SetDefault("queue.batch_size", 8)
	v.SetDefault("ledger.timezone", "Asia/Tokyo")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("line.api_base_url", "https://api.line.me")
	v.SetDefault("line.timeout", 10*time.Second)
	v.SetDefault("line.max_retries", 2)
	v.SetDefault("line.dedupe_ttl", 24*time.Hour)
	v.SetDefault("line.busy_message", DefaultLineBusyMessage)
	v.SetDefault("line.quota_message", DefaultLineQuotaMessage)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.namespace", "persona")
	v.SetDefault("retention.usage_log_days", 30)
}

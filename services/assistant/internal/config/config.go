package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/fintrack/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.MaxConns)
}

type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// ProviderLabel is the human name shown to callers when the backend is out
// of quota.
func (c LLMConfig) ProviderLabel() string {
	switch c.Provider {
	case "groq":
		return "Groq"
	case "openai":
		return "OpenAI"
	case "gemini":
		return "Gemini"
	default:
		return c.Provider
	}
}

type ChatConfig struct {
	MaxIterations     int
	Timeout           time.Duration
	ToolMaxIterations int
	DefaultRowLimit   int
	MaxRows           int
	StatementTimeout  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type SessionConfig struct {
	Backend     string
	MaxSessions int
	TTL         time.Duration
	MaxTurns    int
	Redis       RedisConfig
}

type RateLimitConfig struct {
	Limit     int
	Window    time.Duration
	KeySource string
	Redis     RedisConfig
}

type KafkaConfig struct {
	Brokers            []string
	ChatCompletedTopic string
	UserDeletedTopic   string
	DLQTopic           string
	ConsumerGroup      string
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type Config struct {
	App       base.AppConfig
	JWTSecret string
	DB        DBConfig
	LLM       LLMConfig
	Chat      ChatConfig
	Sessions  SessionConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("FINAI_CONFIG"))
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(envString("FINAI_LLM_PROVIDER", "groq"))

	cfg := &Config{
		App:       *appCfg,
		JWTSecret: envString("FINAI_JWT_SECRET", ""),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "finance"),
			User:     envString("POSTGRES_USER", "finai"),
			Password: envString("POSTGRES_PASSWORD", "finai"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: envInt("POSTGRES_MAX_CONNS", 10),
		},
		LLM: LLMConfig{
			Provider: provider,
			APIKey:   envString("FINAI_LLM_API_KEY", providerKey(provider)),
			Model:    envString("FINAI_LLM_MODEL", defaultModel(provider)),
			BaseURL:  envString("FINAI_LLM_BASE_URL", defaultBaseURL(provider)),
		},
		Chat: ChatConfig{
			MaxIterations:     envInt("FINAI_CHAT_MAX_ITERATIONS", 10),
			Timeout:           envDuration("FINAI_CHAT_TIMEOUT", 60*time.Second),
			ToolMaxIterations: envInt("FINAI_TOOL_MAX_ITERATIONS", 6),
			DefaultRowLimit:   envInt("FINAI_SQL_DEFAULT_ROWS", 10),
			MaxRows:           envInt("FINAI_SQL_MAX_ROWS", 100),
			StatementTimeout:  envDuration("FINAI_SQL_STATEMENT_TIMEOUT", 5*time.Second),
		},
		Sessions: SessionConfig{
			Backend:     strings.ToLower(envString("FINAI_SESSION_BACKEND", "memory")),
			MaxSessions: envInt("FINAI_SESSION_MAX", 10000),
			TTL:         envDuration("FINAI_SESSION_TTL", 24*time.Hour),
			MaxTurns:    envInt("FINAI_SESSION_MAX_TURNS", 40),
			Redis: RedisConfig{
				Addr:     envString("FINAI_SESSION_REDIS_ADDR", ""),
				Password: envString("FINAI_SESSION_REDIS_PASSWORD", ""),
				DB:       envInt("FINAI_SESSION_REDIS_DB", 0),
				Prefix:   envString("FINAI_SESSION_REDIS_PREFIX", "finai:session:"),
			},
		},
		RateLimit: RateLimitConfig{
			Limit:     envInt("FINAI_CHAT_RATE_LIMIT", 4),
			Window:    envDuration("FINAI_CHAT_RATE_WINDOW", time.Minute),
			KeySource: strings.ToLower(envString("FINAI_CHAT_RATE_KEY", "ip")),
			Redis: RedisConfig{
				Addr:     envString("FINAI_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("FINAI_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("FINAI_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("FINAI_RATE_LIMIT_REDIS_PREFIX", "finai:chat:rl:"),
			},
		},
		Kafka: KafkaConfig{
			Brokers:            envList("FINAI_KAFKA_BROKERS"),
			ChatCompletedTopic: envString("FINAI_KAFKA_CHAT_TOPIC", "ai.chat.completed"),
			UserDeletedTopic:   envString("FINAI_KAFKA_USER_DELETED_TOPIC", "users.deleted"),
			DLQTopic:           envString("FINAI_KAFKA_DLQ_TOPIC", "assistant.dlq"),
			ConsumerGroup:      envString("FINAI_KAFKA_CONSUMER_GROUP", "assistant"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "groq", "openai", "gemini":
	default:
		return fmt.Errorf("unsupported FINAI_LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Sessions.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported FINAI_SESSION_BACKEND %q", c.Sessions.Backend)
	}
	if c.Sessions.Backend == "redis" && c.Sessions.Redis.Addr == "" {
		return fmt.Errorf("FINAI_SESSION_REDIS_ADDR must be set for the redis session backend")
	}
	switch c.RateLimit.KeySource {
	case "ip", "user":
	default:
		return fmt.Errorf("unsupported FINAI_CHAT_RATE_KEY %q", c.RateLimit.KeySource)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("chat rate limit and window must be positive")
	}
	if c.Chat.MaxIterations <= 0 || c.Chat.ToolMaxIterations <= 0 {
		return fmt.Errorf("iteration budgets must be positive")
	}
	if c.Chat.DefaultRowLimit <= 0 || c.Chat.MaxRows < c.Chat.DefaultRowLimit {
		return fmt.Errorf("FINAI_SQL_MAX_ROWS must be at least FINAI_SQL_DEFAULT_ROWS")
	}
	if c.Sessions.MaxTurns < 2 {
		return fmt.Errorf("FINAI_SESSION_MAX_TURNS must hold at least one exchange")
	}
	return nil
}

func providerKey(provider string) string {
	switch provider {
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "llama-3.3-70b-versatile"
	}
}

func defaultBaseURL(provider string) string {
	if provider == "groq" {
		return "https://api.groq.com/openai/v1"
	}
	return ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

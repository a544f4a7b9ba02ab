package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	AIProviderOpenAI = "openai"
	AIProviderOllama = "ollama"
)

// Config содержит конфигурацию сервера
type Config struct {
	// Сервер
	Port            string        `envconfig:"SERVER_PORT" default:"8000"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
	CORSOrigins     []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// Логирование
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Хранилище: postgres или memory (для локального запуска без БД)
	StorageDriver string        `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"yade"`
	DBName        string        `envconfig:"DB_NAME" default:"yade"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секрет, без envconfig тега
	DBPassword string `ignored:"true"`

	// Redis для краткосрочного контекста чата и паузы уровня. Пусто - in-memory.
	RedisURL         string        `envconfig:"REDIS_URL"`
	ChatContextTTL   time.Duration `envconfig:"CHAT_CONTEXT_TTL" default:"1h"`
	ChatMaxTurns     int           `envconfig:"MAX_CHAT_CONTEXT_TURNS" default:"20"`
	LevelSessionTTL  time.Duration `envconfig:"LEVEL_SESSION_TTL" default:"1h"`
	ChatHistoryLimit int           `envconfig:"CHAT_HISTORY_LIMIT" default:"50"`

	// Контент
	LevelsDir     string `envconfig:"LEVELS_DIR" default:"data/levels"`
	CharacterFile string `envconfig:"CHARACTER_FILE" default:"data/characters/yade.yaml"`

	// Языковая модель
	AIProvider string        `envconfig:"AI_PROVIDER" default:"openai"`
	AIBaseURL  string        `envconfig:"AI_BASE_URL" default:"https://dashscope.aliyuncs.com/compatible-mode/v1"`
	AIModel    string        `envconfig:"AI_MODEL" default:"qwen-plus"`
	AITimeout  time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	// Секрет, без envconfig тега
	AIAPIKey string `ignored:"true"`

	// RabbitMQ. Пусто - подсчет итогов сессии выполняется в процессе.
	RabbitMQURL       string `envconfig:"RABBITMQ_URL"`
	ChatSettleQueue   string `envconfig:"CHAT_SETTLE_QUEUE" default:"chat_session_ended"`
	ChatSettleWorkers int    `envconfig:"CHAT_SETTLE_WORKERS" default:"2"`

	// OpenTelemetry
	OTelEnabled     bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint    string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string  `envconfig:"OTEL_SERVICE_NAME" default:"yade-server"`
	OTelSampleRatio float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1.0"`

	SecretsDir string `envconfig:"SECRETS_DIR" default:"/run/secrets"`
}

// GetDSN возвращает строку подключения к PostgreSQL
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig загружает конфигурацию из .env, окружения и секретов.
func LoadConfig() (*Config, error) {
	// .env не обязателен
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	secrets := SecretReader{Dir: cfg.SecretsDir}
	if cfg.StorageDriver == StorageDriverPostgres {
		pw, err := secrets.Read("db_password", "DB_PASSWORD")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword = pw
	}
	if cfg.AIProvider == AIProviderOpenAI {
		key, err := secrets.Read("ai_api_key", "AI_API_KEY")
		if err != nil {
			return nil, err
		}
		cfg.AIAPIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, которые envconfig проверить не может.
func (c *Config) Validate() error {
	var problems []string
	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("STORAGE_DRIVER must be %q or %q", StorageDriverPostgres, StorageDriverMemory))
	}
	switch c.AIProvider {
	case AIProviderOpenAI, AIProviderOllama:
	default:
		problems = append(problems, fmt.Sprintf("AI_PROVIDER must be %q or %q", AIProviderOpenAI, AIProviderOllama))
	}
	if c.ChatMaxTurns <= 0 {
		problems = append(problems, "MAX_CHAT_CONTEXT_TURNS must be positive")
	}
	if c.ChatContextTTL <= 0 {
		problems = append(problems, "CHAT_CONTEXT_TTL must be positive")
	}
	if c.ChatHistoryLimit <= 0 {
		problems = append(problems, "CHAT_HISTORY_LIMIT must be positive")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		problems = append(problems, "OTEL_SAMPLE_RATIO must be within [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Log печатает конфигурацию без секретов.
func (c *Config) Log(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("port", c.Port),
		zap.String("storage_driver", c.StorageDriver),
		zap.String("db_dsn", fmt.Sprintf("postgres://%s:***@%s:%s/%s?sslmode=%s", c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)),
		zap.Bool("redis", c.RedisURL != ""),
		zap.Bool("rabbitmq", c.RabbitMQURL != ""),
		zap.String("ai_provider", c.AIProvider),
		zap.String("ai_model", c.AIModel),
		zap.String("levels_dir", c.LevelsDir),
		zap.Duration("chat_context_ttl", c.ChatContextTTL),
		zap.Int("chat_max_turns", c.ChatMaxTurns),
		zap.Bool("otel", c.OTelEnabled),
	)
}

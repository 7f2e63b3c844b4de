package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// Config - корневая структура конфигурации движка и консоли.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Baseline   BaselineConfig   `mapstructure:"baseline"`
	Scorer     ScorerConfig     `mapstructure:"scorer"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	ThreatFeed ThreatFeedConfig `mapstructure:"threatfeed"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
}

// ServerConfig описывает настройки HTTP-сервера консоли.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL - работаем in-memory.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub источников и L2 threat-feed).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT консоли.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Disabled      bool   `mapstructure:"disabled"`
	PublicKey     []byte
}

// EngineConfig - координатор и его полосы.
type EngineConfig struct {
	TimelineBuffer        int           `mapstructure:"timeline_buffer"`
	HotBuffer             int           `mapstructure:"hot_buffer"`
	HighPriorityResources []string      `mapstructure:"high_priority_resources"`
	PersistTimeout        time.Duration `mapstructure:"persist_timeout"`
}

// BaselineConfig - окно истории и очередь пересчета.
type BaselineConfig struct {
	Window              time.Duration `mapstructure:"window"`
	QueueSize           int           `mapstructure:"queue_size"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	RecomputeTimeout    time.Duration `mapstructure:"recompute_timeout"`
}

// ScorerConfig - пороги статусов эвристического скорера.
type ScorerConfig struct {
	MaliciousThreshold  float64 `mapstructure:"malicious_threshold"`
	SuspiciousThreshold float64 `mapstructure:"suspicious_threshold"`
	LowThreshold        float64 `mapstructure:"low_threshold"`
}

type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity int           `mapstructure:"capacity"`
}

// ExecutorConfig - политики исходящих запросов к внешним фидам.
type ExecutorConfig struct {
	MinInterval    time.Duration `mapstructure:"min_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GlobalRPS      float64       `mapstructure:"global_rps"`
	GlobalBurst    int           `mapstructure:"global_burst"`

	// Circuit Breaker на каждый хост
	CBMaxRequests         uint32        `mapstructure:"cb_max_requests"`
	CBInterval            time.Duration `mapstructure:"cb_interval"`
	CBTimeout             time.Duration `mapstructure:"cb_timeout"`
	CBConsecutiveFailures uint32        `mapstructure:"cb_consecutive_failures"`
}

type ThreatFeedConfig struct {
	URL          string `mapstructure:"url"`
	WarmupFromDB bool   `mapstructure:"warmup_from_db"`
}

// SourcesConfig перечисляет, откуда координатор берет события.
type SourcesConfig struct {
	RedisChannels []string `mapstructure:"redis_channels"`
	ReplayFile    string   `mapstructure:"replay_file"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, .env и ENV.
func LoadConfig() (*Config, error) {
	// .env только для локальной разработки, его отсутствие не ошибка
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENGINE_HOT_BUFFER=64 перекроет engine.hot_buffer
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("engine.timeline_buffer", 256)
	v.SetDefault("engine.hot_buffer", 32)
	v.SetDefault("engine.high_priority_resources", []string{
		string(domain.ResourceCamera),
		string(domain.ResourceMicrophone),
		string(domain.ResourceLocation),
		string(domain.ResourcePhishingURL),
	})
	v.SetDefault("engine.persist_timeout", 5*time.Second)
	v.SetDefault("baseline.window", 30*24*time.Hour)
	v.SetDefault("baseline.queue_size", 64)
	v.SetDefault("baseline.maintenance_interval", 6*time.Hour)
	v.SetDefault("baseline.recompute_timeout", 30*time.Second)
	v.SetDefault("scorer.malicious_threshold", 0.7)
	v.SetDefault("scorer.suspicious_threshold", 0.45)
	v.SetDefault("scorer.low_threshold", 0.25)
	v.SetDefault("cache.ttl", 15*time.Minute)
	v.SetDefault("cache.capacity", 100)
	v.SetDefault("executor.min_interval", time.Second)
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.base_delay", 500*time.Millisecond)
	v.SetDefault("executor.request_timeout", 10*time.Second)
	v.SetDefault("executor.global_rps", 20.0)
	v.SetDefault("executor.global_burst", 5)
	v.SetDefault("executor.cb_max_requests", 3)
	v.SetDefault("executor.cb_interval", 5*time.Second)
	v.SetDefault("executor.cb_timeout", 30*time.Second)
	v.SetDefault("executor.cb_consecutive_failures", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("tracing.service_name", "signal-risk-engine")
	v.SetDefault("grpc.addr", ":50052")
}

// Validate отсекает конфигурации, с которыми конвейер не сможет работать.
func (c *Config) Validate() error {
	switch {
	case c.Engine.TimelineBuffer <= 0 || c.Engine.HotBuffer <= 0:
		return fmt.Errorf("config: engine lane buffers must be positive")
	case c.Baseline.QueueSize <= 0:
		return fmt.Errorf("config: baseline.queue_size must be positive")
	case c.Baseline.Window <= 0:
		return fmt.Errorf("config: baseline.window must be positive")
	case c.Baseline.MaintenanceInterval <= 0:
		return fmt.Errorf("config: baseline.maintenance_interval must be positive")
	case c.Cache.Capacity <= 0 || c.Cache.TTL <= 0:
		return fmt.Errorf("config: cache capacity and ttl must be positive")
	case c.Executor.MaxRetries < 0 || c.Executor.MinInterval < 0:
		return fmt.Errorf("config: executor retries and interval must not be negative")
	}
	if _, err := c.Engine.HighPriority(); err != nil {
		return err
	}
	return nil
}

// HighPriority разбирает список ресурсов горячей полосы.
func (e EngineConfig) HighPriority() ([]domain.ResourceType, error) {
	out := make([]domain.ResourceType, 0, len(e.HighPriorityResources))
	for _, s := range e.HighPriorityResources {
		r, ok := domain.ParseResourceType(s)
		if !ok {
			return nil, fmt.Errorf("config: unknown high priority resource %q", s)
		}
		out = append(out, r)
	}
	return out, nil
}

// loadKeyResource: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}

package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера шлюза.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig — подключение к Redis (revocation set + Pub/Sub сигналы).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — параметры IC-токенов.
type AuthConfig struct {
	TokenSecretPath string `mapstructure:"token_secret_path"`
	Issuer          string `mapstructure:"issuer"`
	TokenSecret     []byte
}

// CryptoConfig — два НЕЗАВИСИМЫХ секрета: at-rest ключ Vault и транспортный
// ключ IP-токенов. Компрометация одного не должна раскрывать второй,
// поэтому они конфигурируются и ротируются раздельно.
type CryptoConfig struct {
	VaultKeyPath     string `mapstructure:"vault_key_path"`
	TransportKeyPath string `mapstructure:"transport_key_path"`
	VaultKey         []byte
	TransportKey     []byte
}

// EngineConfig — параметры протокола бюджетного контроля.
type EngineConfig struct {
	// Границы запрашиваемого бюджета handshake, микродоллары
	MaxHandshakeBudget     int64 `mapstructure:"max_handshake_budget"`
	DefaultHandshakeBudget int64 `mapstructure:"default_handshake_budget"`

	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// Ретраи атомарного резервирования при конкуренции за строку бюджета
	ReserveAttempts  uint          `mapstructure:"reserve_attempts"`
	ReserveBaseDelay time.Duration `mapstructure:"reserve_base_delay"`
	ReserveMaxDelay  time.Duration `mapstructure:"reserve_max_delay"`

	// Rate limiter на входе в ledger
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Circuit Breaker вокруг операций хранилища
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`

	// Буферизация протокольного аудита
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Поиск файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла (его отсутствие — не ошибка, работаем на ENV)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Секреты: либо напрямую из ENV (Docker/K8s), либо файл по пути.
	// Три секрета независимы, ни один не выводится из другого.
	cfg.Auth.TokenSecret = loadKeyResource(cfg.Auth.TokenSecretPath, "AUTH_TOKEN_SECRET_DATA")
	cfg.Crypto.VaultKey = loadKeyResource(cfg.Crypto.VaultKeyPath, "CRYPTO_VAULT_KEY_DATA")
	cfg.Crypto.TransportKey = loadKeyResource(cfg.Crypto.TransportKeyPath, "CRYPTO_TRANSPORT_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.issuer", "budget-gate")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	// $100 потолок, $10 дефолт (микродоллары)
	v.SetDefault("engine.max_handshake_budget", int64(100_000_000))
	v.SetDefault("engine.default_handshake_budget", int64(10_000_000))
	v.SetDefault("engine.lease_ttl", time.Hour)

	v.SetDefault("engine.reserve_attempts", 24)
	v.SetDefault("engine.reserve_base_delay", 5*time.Millisecond)
	v.SetDefault("engine.reserve_max_delay", 500*time.Millisecond)

	v.SetDefault("engine.rate_limit", 100.0)
	v.SetDefault("engine.rate_burst", 20)

	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
}

// loadKeyResource — секрет напрямую из ENV или файл по пути из конфига.
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

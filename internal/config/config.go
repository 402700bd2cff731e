// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"calotrack/backend/internal/security"
)

// Refresh token store backends selectable via REFRESH_STORE.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// minProductionSecretLen is the minimum secret length accepted when APP_ENV=production.
const minProductionSecretLen = 32

// Config holds application configuration loaded from the environment.
// It is built once at startup and must not be mutated afterwards.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// TrustedProxies is a comma-separated list of proxy IPs/CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment ("development", "production").
	Env string `mapstructure:"APP_ENV"`

	// AccessTokenSecret signs access tokens. Inline value or file:<path>.
	AccessTokenSecret string `mapstructure:"ACCESS_TOKEN_SECRET"`
	// RefreshTokenSecret signs refresh tokens; must differ from AccessTokenSecret.
	RefreshTokenSecret string `mapstructure:"REFRESH_TOKEN_SECRET"`
	// EncryptionKey is the source key material for PHI field encryption.
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	// AccessTokenTTLRaw is the access token lifetime (e.g. "15m").
	AccessTokenTTLRaw string `mapstructure:"ACCESS_TOKEN_TTL"`
	// RefreshTokenTTLRaw is the refresh token lifetime (e.g. "7d" or "168h").
	RefreshTokenTTLRaw string `mapstructure:"REFRESH_TOKEN_TTL"`
	// JWTIssuer is the iss claim set on and required of every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim set on and required of every token.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// BcryptCost is the bcrypt cost for passwords (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// RefreshHashCost is the bcrypt cost for stored refresh token hashes (4–31); default 10.
	RefreshHashCost int `mapstructure:"REFRESH_HASH_COST"`
	// RefreshRotation enables single-use refresh tokens with replay detection.
	RefreshRotation bool `mapstructure:"REFRESH_ROTATION"`
	// CheckTokenVersion makes the auth middleware compare the access token version to the live principal.
	CheckTokenVersion bool `mapstructure:"CHECK_TOKEN_VERSION"`

	// RefreshStore selects the refresh token store: postgres, redis, or memory.
	RefreshStore string `mapstructure:"REFRESH_STORE"`
	// RedisAddr is the Redis address used when RefreshStore is redis.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB is the Redis logical database number.
	RedisDB int `mapstructure:"REDIS_DB"`
	// RefreshCleanupIntervalRaw is how often expired refresh records are purged ("0" disables).
	RefreshCleanupIntervalRaw string `mapstructure:"REFRESH_CLEANUP_INTERVAL"`

	// AuditBufferSize > 0 enables the async audit dispatcher with that queue size; 0 writes synchronously.
	AuditBufferSize int `mapstructure:"AUDIT_BUFFER_SIZE"`
	// AuditRetryAttempts is how many times a failed audit write is attempted in total.
	AuditRetryAttempts int `mapstructure:"AUDIT_RETRY_ATTEMPTS"`
	// KafkaBrokers is a comma-separated list of Kafka brokers for audit streaming (optional).
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for audit events.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the audit worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the audit worker pushes events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Secrets given as file:<path> are
// read from disk. Returns an error if required fields are missing or invalid.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabaseURL returns DATABASE_URL without requiring token or encryption secrets.
// Used by tools such as cmd/migrate.
func LoadDatabaseURL() (string, error) {
	cfg, err := load()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return "", errors.New("config: DATABASE_URL must be set")
	}
	return cfg.DatabaseURL, nil
}

// LoadAuditPipeline returns config for the audit worker. It requires KAFKA_BROKERS and LOKI_URL
// but no secrets, since the worker never signs tokens or touches PHI.
func LoadAuditPipeline() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if len(cfg.KafkaBrokersList()) == 0 {
		return nil, errors.New("config: KAFKA_BROKERS must be set")
	}
	if strings.TrimSpace(cfg.LokiURL) == "" {
		return nil, errors.New("config: LOKI_URL must be set")
	}
	return cfg, nil
}

func load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("ACCESS_TOKEN_SECRET", "")
	v.SetDefault("REFRESH_TOKEN_SECRET", "")
	v.SetDefault("ENCRYPTION_KEY", "")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "7d")
	v.SetDefault("JWT_ISSUER", "calotrack-auth")
	v.SetDefault("JWT_AUDIENCE", "calotrack-api")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REFRESH_HASH_COST", 10)
	v.SetDefault("REFRESH_ROTATION", false)
	v.SetDefault("CHECK_TOKEN_VERSION", true)
	v.SetDefault("REFRESH_STORE", StorePostgres)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REFRESH_CLEANUP_INTERVAL", "1h")
	v.SetDefault("AUDIT_BUFFER_SIZE", 0)
	v.SetDefault("AUDIT_RETRY_ATTEMPTS", 3)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "calotrack-audit")
	v.SetDefault("KAFKA_GROUP_ID", "calotrack-audit-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "calotrack-backend")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolveSecrets() error {
	for _, s := range []struct {
		name string
		dst  *string
	}{
		{"ACCESS_TOKEN_SECRET", &c.AccessTokenSecret},
		{"REFRESH_TOKEN_SECRET", &c.RefreshTokenSecret},
		{"ENCRYPTION_KEY", &c.EncryptionKey},
	} {
		if strings.TrimSpace(*s.dst) == "" {
			return fmt.Errorf("config: %s must be set", s.name)
		}
		val, err := security.LoadSecret(*s.dst)
		if err != nil {
			return fmt.Errorf("config: %s: %w", s.name, err)
		}
		*s.dst = string(val)
	}
	return nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("config: ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.EncryptionKey == c.AccessTokenSecret || c.EncryptionKey == c.RefreshTokenSecret {
		return errors.New("config: ENCRYPTION_KEY must not reuse a token signing secret")
	}
	if _, err := ParseDuration(c.AccessTokenTTLRaw); err != nil {
		return fmt.Errorf("config: ACCESS_TOKEN_TTL: %w", err)
	}
	if _, err := ParseDuration(c.RefreshTokenTTLRaw); err != nil {
		return fmt.Errorf("config: REFRESH_TOKEN_TTL: %w", err)
	}
	if c.AccessTTL() >= c.RefreshTTL() {
		return errors.New("config: ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.RefreshHashCost == 0 {
		c.RefreshHashCost = 10
	}
	if c.RefreshHashCost < 4 || c.RefreshHashCost > 31 {
		return errors.New("config: REFRESH_HASH_COST must be between 4 and 31")
	}

	c.RefreshStore = strings.ToLower(strings.TrimSpace(c.RefreshStore))
	switch c.RefreshStore {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("config: REFRESH_STORE must be postgres, redis, or memory, got %q", c.RefreshStore)
	}
	if c.RefreshStore == StoreRedis && c.RedisAddr == "" {
		return errors.New("config: REDIS_ADDR must be set when REFRESH_STORE=redis")
	}
	if c.AuditBufferSize < 0 {
		return errors.New("config: AUDIT_BUFFER_SIZE must not be negative")
	}
	if c.AuditRetryAttempts <= 0 {
		c.AuditRetryAttempts = 1
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when APP_ENV=production")
		}
		if c.RefreshStore == StoreMemory {
			return errors.New("config: REFRESH_STORE=memory is not allowed when APP_ENV=production")
		}
		if len(c.AccessTokenSecret) < minProductionSecretLen ||
			len(c.RefreshTokenSecret) < minProductionSecretLen ||
			len(c.EncryptionKey) < minProductionSecretLen {
			return fmt.Errorf("config: secrets must be at least %d bytes when APP_ENV=production", minProductionSecretLen)
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// AccessTTL parses AccessTokenTTLRaw. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := ParseDuration(c.AccessTokenTTLRaw)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses RefreshTokenTTLRaw. Returns 7 days if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := ParseDuration(c.RefreshTokenTTLRaw)
	if err != nil || d <= 0 {
		return 7 * 24 * time.Hour
	}
	return d
}

// RefreshCleanupInterval parses RefreshCleanupIntervalRaw. Zero disables the cleanup job.
func (c *Config) RefreshCleanupInterval() time.Duration {
	d, err := ParseDuration(c.RefreshCleanupIntervalRaw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list means audit streaming is disabled.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// TrustedProxiesList returns the configured proxy addresses. Empty means client IPs come from the
// connection's remote address.
func (c *Config) TrustedProxiesList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TrustedProxies)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseDuration is time.ParseDuration plus a whole-day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testAccess     = "access-secret-0123456789abcdefghijkl"
	testRefresh    = "refresh-secret-0123456789abcdefghijk"
	testEncryption = "encryption-key-0123456789abcdefghijk"
)

// setRequired sets the three required secrets and clears variables that would change defaults.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ACCESS_TOKEN_SECRET", testAccess)
	t.Setenv("REFRESH_TOKEN_SECRET", testRefresh)
	t.Setenv("ENCRYPTION_KEY", testEncryption)
	for _, k := range []string{
		"APP_ENV", "HTTP_ADDR", "GRPC_ADDR", "DATABASE_URL", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL",
		"JWT_ISSUER", "JWT_AUDIENCE", "BCRYPT_COST", "REFRESH_HASH_COST", "REFRESH_ROTATION",
		"REFRESH_STORE", "AUDIT_BUFFER_SIZE", "AUDIT_RETRY_ATTEMPTS", "KAFKA_BROKERS", "LOKI_URL",
		"TRUSTED_PROXIES",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.JWTIssuer != "calotrack-auth" || cfg.JWTAudience != "calotrack-api" {
		t.Errorf("issuer/audience = %q/%q", cfg.JWTIssuer, cfg.JWTAudience)
	}
	if cfg.AccessTTL() != 15*time.Minute {
		t.Errorf("AccessTTL = %v, want 15m", cfg.AccessTTL())
	}
	if cfg.RefreshTTL() != 7*24*time.Hour {
		t.Errorf("RefreshTTL = %v, want 168h", cfg.RefreshTTL())
	}
	if cfg.BcryptCost != 12 || cfg.RefreshHashCost != 10 {
		t.Errorf("costs = %d/%d, want 12/10", cfg.BcryptCost, cfg.RefreshHashCost)
	}
	if cfg.RefreshRotation {
		t.Error("RefreshRotation should default to false")
	}
	if !cfg.CheckTokenVersion {
		t.Error("CheckTokenVersion should default to true")
	}
	if cfg.RefreshStore != StorePostgres {
		t.Errorf("RefreshStore = %q, want postgres", cfg.RefreshStore)
	}
	if cfg.RefreshCleanupInterval() != time.Hour {
		t.Errorf("RefreshCleanupInterval = %v, want 1h", cfg.RefreshCleanupInterval())
	}
	if cfg.AuditRetryAttempts != 3 {
		t.Errorf("AuditRetryAttempts = %d, want 3", cfg.AuditRetryAttempts)
	}
	if cfg.KafkaBrokersList() != nil {
		t.Errorf("KafkaBrokersList = %v, want nil", cfg.KafkaBrokersList())
	}
	if cfg.TrustedProxiesList() != nil {
		t.Errorf("TrustedProxiesList = %v, want nil", cfg.TrustedProxiesList())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("JWT_ISSUER", "custom-issuer")
	t.Setenv("BCRYPT_COST", "14")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("REFRESH_TOKEN_TTL", "30d")
	t.Setenv("REFRESH_ROTATION", "true")
	t.Setenv("REFRESH_STORE", "Redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || cfg.JWTIssuer != "custom-issuer" || cfg.BcryptCost != 14 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.AccessTTL() != 5*time.Minute || cfg.RefreshTTL() != 30*24*time.Hour {
		t.Errorf("TTLs = %v/%v", cfg.AccessTTL(), cfg.RefreshTTL())
	}
	if !cfg.RefreshRotation {
		t.Error("RefreshRotation should be true")
	}
	if cfg.RefreshStore != StoreRedis {
		t.Errorf("RefreshStore = %q, want normalized redis", cfg.RefreshStore)
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokersList = %v", brokers)
	}
	if proxies := cfg.TrustedProxiesList(); len(proxies) != 1 || proxies[0] != "10.0.0.0/8" {
		t.Errorf("TrustedProxiesList = %v", proxies)
	}
}

func TestLoad_MissingSecrets(t *testing.T) {
	for _, missing := range []string{"ACCESS_TOKEN_SECRET", "REFRESH_TOKEN_SECRET", "ENCRYPTION_KEY"} {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			_, err := Load()
			if err == nil {
				t.Fatalf("Load without %s should fail", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Errorf("error %q should name %s", err.Error(), missing)
			}
		})
	}
}

func TestLoad_SecretFromFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "access")
	if err := os.WriteFile(path, []byte("file-access-secret\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("ACCESS_TOKEN_SECRET", "file:"+path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTokenSecret != "file-access-secret" {
		t.Errorf("AccessTokenSecret = %q, want file content", cfg.AccessTokenSecret)
	}
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"same signing secrets", map[string]string{"REFRESH_TOKEN_SECRET": testAccess}},
		{"encryption key reuses signing secret", map[string]string{"ENCRYPTION_KEY": testRefresh}},
		{"bad access ttl", map[string]string{"ACCESS_TOKEN_TTL": "soon"}},
		{"bad refresh ttl", map[string]string{"REFRESH_TOKEN_TTL": "-1d"}},
		{"access ttl not shorter", map[string]string{"ACCESS_TOKEN_TTL": "8d", "REFRESH_TOKEN_TTL": "7d"}},
		{"bcrypt cost too low", map[string]string{"BCRYPT_COST": "3"}},
		{"bcrypt cost too high", map[string]string{"BCRYPT_COST": "32"}},
		{"refresh hash cost too high", map[string]string{"REFRESH_HASH_COST": "40"}},
		{"unknown store", map[string]string{"REFRESH_STORE": "mongo"}},
		{"negative audit buffer", map[string]string{"AUDIT_BUFFER_SIZE": "-1"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("Load should fail for %s", tc.name)
			}
		})
	}
}

func TestLoad_Production(t *testing.T) {
	t.Run("rejects short secrets", func(t *testing.T) {
		setRequired(t)
		t.Setenv("APP_ENV", "production")
		t.Setenv("DATABASE_URL", "postgres://localhost/calotrack")
		t.Setenv("ACCESS_TOKEN_SECRET", "short")
		if _, err := Load(); err == nil {
			t.Error("production with short secret should fail")
		}
	})
	t.Run("requires database", func(t *testing.T) {
		setRequired(t)
		t.Setenv("APP_ENV", "production")
		if _, err := Load(); err == nil {
			t.Error("production without DATABASE_URL should fail")
		}
	})
	t.Run("rejects memory store", func(t *testing.T) {
		setRequired(t)
		t.Setenv("APP_ENV", "Production")
		t.Setenv("DATABASE_URL", "postgres://localhost/calotrack")
		t.Setenv("REFRESH_STORE", "memory")
		if _, err := Load(); err == nil {
			t.Error("production with memory store should fail")
		}
	})
	t.Run("accepts valid", func(t *testing.T) {
		setRequired(t)
		t.Setenv("APP_ENV", "production")
		t.Setenv("DATABASE_URL", "postgres://localhost/calotrack")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !cfg.IsProduction() {
			t.Error("IsProduction should be true")
		}
	})
}

func TestLoadDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("ACCESS_TOKEN_SECRET", "")
	if _, err := LoadDatabaseURL(); err == nil {
		t.Error("LoadDatabaseURL without DATABASE_URL should fail")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/calotrack")
	dsn, err := LoadDatabaseURL()
	if err != nil {
		t.Fatalf("LoadDatabaseURL: %v", err)
	}
	if dsn != "postgres://localhost/calotrack" {
		t.Errorf("dsn = %q", dsn)
	}
}

func TestLoadAuditPipeline(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCRYPTION_KEY", "")
	if _, err := LoadAuditPipeline(); err == nil {
		t.Error("LoadAuditPipeline without brokers should fail")
	}
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	if _, err := LoadAuditPipeline(); err == nil {
		t.Error("LoadAuditPipeline without LOKI_URL should fail")
	}
	t.Setenv("LOKI_URL", "http://localhost:3100")
	cfg, err := LoadAuditPipeline()
	if err != nil {
		t.Fatalf("LoadAuditPipeline: %v", err)
	}
	if cfg.AuditKafkaTopic != "calotrack-audit" || cfg.KafkaGroupID != "calotrack-audit-worker" {
		t.Errorf("topic/group = %q/%q", cfg.AuditKafkaTopic, cfg.KafkaGroupID)
	}
}

func TestParseDuration(t *testing.T) {
	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"15m", 15 * time.Minute, false},
		{"168h", 168 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{" 1d ", 24 * time.Hour, false},
		{"0", 0, false},
		{"", 0, true},
		{"d", 0, true},
		{"-2d", 0, true},
		{"1.5d", 0, true},
		{"forever", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDuration(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("ParseDuration(%q) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("ParseDuration(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestRefreshCleanupInterval_Disabled(t *testing.T) {
	cfg := &Config{RefreshCleanupIntervalRaw: "0"}
	if cfg.RefreshCleanupInterval() != 0 {
		t.Error("interval 0 should disable cleanup")
	}
	cfg.RefreshCleanupIntervalRaw = "junk"
	if cfg.RefreshCleanupInterval() != 0 {
		t.Error("invalid interval should disable cleanup")
	}
}

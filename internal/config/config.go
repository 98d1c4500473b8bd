package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Account service
	AccountServiceEndpoint  string
	AccountServiceProjectID string
	AccountServiceAPIKey    string

	// Aggregator
	AggregatorBaseURL    string
	AggregatorClientID   string
	AggregatorSecret     string
	AggregatorClientName string
	AggregatorProducts   []string
	AggregatorCountries  []string

	// External calls
	ExternalTimeout time.Duration

	// Link flow
	LinkTokenMaxAttempts int
	LinkTokenRetryBase   time.Duration
	LinkFlowTTL          time.Duration

	// Token sealing
	TokenEncryptionKey string

	// Session
	SessionCookieName string
	SignInSetsCookie  bool

	// Dashboard
	TransactionsLookbackDays int
	DashboardConcurrency     int

	// Item check worker
	ItemCheckInterval      time.Duration
	ItemCheckMaxConcurrent int

	// Rate Limit
	RateLimitAuth      int
	RateLimitLinkToken int

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Tracing
	AppEnv                string
	OTelServiceName       string
	OTelExporterEndpoint  string
	OTelTracesSampleRatio float64

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_URL", &cfg.RedisURL},
		{"ACCOUNT_SERVICE_ENDPOINT", &cfg.AccountServiceEndpoint},
		{"ACCOUNT_SERVICE_PROJECT_ID", &cfg.AccountServiceProjectID},
		{"ACCOUNT_SERVICE_API_KEY", &cfg.AccountServiceAPIKey},
		{"AGGREGATOR_CLIENT_ID", &cfg.AggregatorClientID},
		{"AGGREGATOR_SECRET", &cfg.AggregatorSecret},
		{"TOKEN_ENCRYPTION_KEY", &cfg.TokenEncryptionKey},
		{"BASE_URL", &cfg.BaseURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AggregatorBaseURL = getEnvString("AGGREGATOR_BASE_URL", "https://sandbox.plaid.com")
	cfg.AggregatorClientName = getEnvString("AGGREGATOR_CLIENT_NAME", "Bankdash")
	cfg.AggregatorProducts = getEnvList("AGGREGATOR_PRODUCTS", []string{"auth", "transactions"})
	cfg.AggregatorCountries = getEnvList("AGGREGATOR_COUNTRY_CODES", []string{"US"})
	cfg.ExternalTimeout = getEnvDuration("EXTERNAL_TIMEOUT", 10*time.Second)
	cfg.LinkTokenMaxAttempts = getEnvInt("LINK_TOKEN_MAX_ATTEMPTS", 3)
	cfg.LinkTokenRetryBase = getEnvDuration("LINK_TOKEN_RETRY_BASE", 200*time.Millisecond)
	cfg.LinkFlowTTL = getEnvDuration("LINK_FLOW_TTL", 4*time.Hour)
	cfg.SessionCookieName = getEnvString("SESSION_COOKIE_NAME", "bankdash-session")
	cfg.SignInSetsCookie = getEnvBool("SIGNIN_SETS_COOKIE", false)
	cfg.TransactionsLookbackDays = getEnvInt("TRANSACTIONS_LOOKBACK_DAYS", 30)
	cfg.DashboardConcurrency = getEnvInt("DASHBOARD_CONCURRENCY", 4)
	cfg.ItemCheckInterval = getEnvDuration("ITEM_CHECK_INTERVAL", 15*time.Minute)
	cfg.ItemCheckMaxConcurrent = getEnvInt("ITEM_CHECK_MAX_CONCURRENT", 5)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RateLimitLinkToken = getEnvInt("RATE_LIMIT_LINK_TOKEN", 5)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 90)
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.OTelServiceName = getEnvString("OTEL_SERVICE_NAME", "bankdash")
	cfg.OTelExporterEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTelTracesSampleRatio = getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/maidconnect/internal/model"
)

// EnvProduction はAPP_ENVの本番環境を表す値。
const EnvProduction = "production"

// publicPrefix はフロントエンドと共有する.envで使われる接頭辞。
// SUPABASE_URL等はこの接頭辞付きの名前でも受け付ける。
const publicPrefix = "NEXT_PUBLIC_"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	AppEnv string

	// Database
	DatabaseURL string

	// Identity Provider
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string
	ProviderTimeout        time.Duration
	OAuthProviders         []string

	// Auth
	SessionMaxAge          int // 秒
	OAuthStateTTL          time.Duration
	SignupConfirmTTL       time.Duration
	ProfileRetryDelay      time.Duration
	DefaultRole            model.Role
	SessionCleanupInterval time.Duration

	// Redis（任意）。設定時はOAuth stateを複数インスタンスで共有する。
	RedisURL string

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitAuth    int

	// Observability
	LogLevel  string
	SentryDSN string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Warnings は起動を止めない設定不備。起動時にログへ出力する。
	Warnings []string
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// LoadDotEnv はカレントディレクトリの.envを読み込む。既に設定済みの環境変数は上書きしない。
// ファイルが存在しない場合は何もしない。
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// Identity Providerの設定は本番環境でのみ必須とし、それ以外では警告に留める。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.AppEnv = getEnvString("APP_ENV", "development")

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	var missingProvider []string
	cfg.SupabaseURL = getPublicEnv("SUPABASE_URL")
	if cfg.SupabaseURL == "" {
		missingProvider = append(missingProvider, "SUPABASE_URL")
	}
	cfg.SupabaseAnonKey = getPublicEnv("SUPABASE_ANON_KEY")
	if cfg.SupabaseAnonKey == "" {
		missingProvider = append(missingProvider, "SUPABASE_ANON_KEY")
	}
	cfg.SupabaseServiceRoleKey = getPublicEnv("SUPABASE_SERVICE_ROLE_KEY")
	if cfg.SupabaseServiceRoleKey == "" {
		missingProvider = append(missingProvider, "SUPABASE_SERVICE_ROLE_KEY")
	}

	if cfg.IsProduction() {
		missing = append(missing, missingProvider...)
	} else if len(missingProvider) > 0 {
		cfg.Warnings = append(cfg.Warnings,
			fmt.Sprintf("identity provider environment variables are not set: %v", missingProvider))
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	role := getEnvString("DEFAULT_ROLE", string(model.RoleEmployer))
	defaultRole, ok := model.ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("DEFAULT_ROLE must be one of %v, got %q", model.Roles, role)
	}
	cfg.DefaultRole = defaultRole

	// Optional fields with defaults
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	if cfg.SupabaseJWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings,
			"SUPABASE_JWT_SECRET is not set; access tokens are validated against the provider on every refresh")
	}
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.OAuthProviders = getEnvList("OAUTH_PROVIDERS", []string{"google"})
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.OAuthStateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.SignupConfirmTTL = getEnvDuration("SIGNUP_CONFIRM_TTL", 24*time.Hour)
	cfg.ProfileRetryDelay = getEnvDuration("PROFILE_RETRY_DELAY", 2*time.Second)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.IsProduction() && !cfg.CookieSecure {
		cfg.Warnings = append(cfg.Warnings, "BASE_URL is not https in production; session cookies are not marked Secure")
	}

	return cfg, nil
}

// getPublicEnv はkeyを読み、未設定ならNEXT_PUBLIC_接頭辞付きの値を返す。
func getPublicEnv(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return os.Getenv(publicPrefix + key)
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

// getEnvList はカンマ区切りの値を小文字のリストとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

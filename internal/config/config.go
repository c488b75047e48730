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
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Token
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int

	// Admin
	AdminEmails []string

	// Rate Limit
	RateLimitAuth  int
	RateLimitBurst int

	// Logging
	LogRetentionDays int
	CleanupInterval  time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// AdminConfig は管理コマンドの設定を保持する。
// 管理コマンドはデータベースに直接接続せず、ゲートウェイ経由で操作する。
type AdminConfig struct {
	GatewayURL    string
	Email         string
	Password      string
	Timeout       time.Duration
	RefreshMargin time.Duration
}

// LoadDotEnv は.envファイルを読み込み、未設定の環境変数を補完する。
// ファイルが存在しない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", time.Hour)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.AdminEmails = getEnvList("ADMIN_EMAILS")
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 90)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// LoadAdmin は管理コマンド用の設定を環境変数から読み込む。
func LoadAdmin() (*AdminConfig, error) {
	cfg := &AdminConfig{
		GatewayURL: os.Getenv("GATEWAY_URL"),
		Email:      os.Getenv("ADMIN_EMAIL"),
		Password:   os.Getenv("ADMIN_PASSWORD"),
	}

	var missing []string
	if cfg.GatewayURL == "" {
		missing = append(missing, "GATEWAY_URL")
	}
	if cfg.Email == "" {
		missing = append(missing, "ADMIN_EMAIL")
	}
	if cfg.Password == "" {
		missing = append(missing, "ADMIN_PASSWORD")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	cfg.Timeout = getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second)
	cfg.RefreshMargin = getEnvDuration("TOKEN_REFRESH_MARGIN", time.Minute)

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

// getEnvList はカンマ区切りの値を小文字化して返す。空要素は除く。
func getEnvList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if s := strings.ToLower(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

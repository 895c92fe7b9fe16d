package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "dev-secret-change-me"

// Config 是参考后端（cmd/server）的配置。
type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	Store                 string
	APIKey                string
	CORSOrigins           []string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 读取正整数环境变量，非法或非正值时回退到默认值。
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=coolvibeclub port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		Store:                 getenv("STORE", "postgres"),
		APIKey:                os.Getenv("API_KEY"),
		CORSOrigins:           splitList(os.Getenv("CORS_ORIGINS")),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
	}
}

// Validate 在启动前检查配置，生产环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	switch cfg.Store {
	case "", "postgres":
		if cfg.DatabaseDSN == "" {
			return errors.New("config: database dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store %q", cfg.Store)
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default jwt secret is only allowed in dev")
	}
	return nil
}

// splitList 解析逗号分隔的列表，忽略空项。
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
